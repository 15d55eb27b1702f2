package backend

import (
	"context"
	"fmt"
	"net/url"

	"github.com/dreamware/scribe/internal/session"
)

// Project is the project metadata returned by the web API at join time.
type Project struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// JoinProjectResult is the authorization decision for one user joining
// one project.
type JoinProjectResult struct {
	Project          Project                `json:"project"`
	PrivilegeLevel   session.PrivilegeLevel `json:"privilege_level"`
	IsRestrictedUser bool                   `json:"is_restricted_user"`
	IsInvitedMember  bool                   `json:"is_invited_member"`
}

// WebAPI is the client for the editing backend's web API.
type WebAPI struct {
	baseURL string
}

// NewWebAPI creates a client for the web API at baseURL.
func NewWebAPI(baseURL string) *WebAPI {
	return &WebAPI{baseURL: baseURL}
}

// JoinProject asks the backend whether the user may join the project and
// with what privilege. An empty privilege level in the result means the
// user is not authorized; that decision belongs to the caller.
func (w *WebAPI) JoinProject(ctx context.Context, projectID string, user session.User) (*JoinProjectResult, error) {
	reqURL := fmt.Sprintf("%s/project/%s/join", w.baseURL, url.PathEscape(projectID))
	var result JoinProjectResult
	if err := postJSON(ctx, reqURL, map[string]any{"user": user}, &result); err != nil {
		return nil, fmt.Errorf("join project %s: %w", projectID, err)
	}
	return &result, nil
}
