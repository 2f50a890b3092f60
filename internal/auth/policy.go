package auth

import (
	"net/http"
	"strings"
)

const tasksPrefix = "/api/v1/tasks/"

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
	// TaskRoles overrides the operator default for named tasks.
	TaskRoles map[string]Role
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes, TaskRoles: map[string]Role{}}
}

// WithTaskRole sets the role required to invoke a task.
func (p Policy) WithTaskRole(task string, role Role) Policy {
	roles := make(map[string]Role, len(p.TaskRoles)+1)
	for name, existing := range p.TaskRoles {
		roles[name] = existing
	}
	roles[task] = role
	p.TaskRoles = roles
	return p
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves required role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method

	switch {
	case path == "/api/v1/tasks":
		return RoleViewer, true
	case strings.HasPrefix(path, tasksPrefix):
		if method == http.MethodDelete {
			return RoleOperator, true
		}
		if method != http.MethodPost {
			return RoleViewer, true
		}
		if role, ok := p.TaskRoles[strings.TrimPrefix(path, tasksPrefix)]; ok {
			return role, true
		}
		return RoleOperator, true
	case strings.HasPrefix(path, "/api/v1/progress/"):
		return RoleViewer, true
	case strings.HasPrefix(path, "/api/v1/runs/"):
		if strings.Contains(path, "/report.") {
			return RoleViewer, true
		}
	}

	if strings.HasPrefix(path, "/api/") {
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return RoleViewer, true
		}
		return RoleOperator, true
	}
	return "", false
}
