package governance

import (
	"net/url"
	"strings"

	"github.com/odin-run/odin/internal/errcode"
)

// StagehandAction is the closed set of browser-automation action kinds
// the envelope governs.
type StagehandAction string

const (
	StagehandObserve  StagehandAction = "observe"
	StagehandNavigate StagehandAction = "navigate"
	StagehandAct      StagehandAction = "act"
	StagehandExtract  StagehandAction = "extract"
	StagehandAgent    StagehandAction = "agent"
)

// alwaysDeny tags an action request as categorically disallowed
// regardless of what any envelope declares.
var alwaysDeny = map[string]errcode.Code{
	"login":       errcode.ActionLoginDisallowed,
	"payment":     errcode.ActionPaymentDisallowed,
	"pii_submit":  errcode.ActionPiiSubmitDisallowed,
	"file_upload": errcode.ActionFileUploadDisallowed,
}

// StagehandEnvelope is the Plugin Permission Envelope's Stagehand-specific
// extension: explicit allow-lists, no implicit fallback.
type StagehandEnvelope struct {
	AllowedDomains    []string
	AllowedWorkspaces []string
	AllowedCommands   []string
}

// StagehandRequest is the input a Stagehand action request carries; only
// the field relevant to the action kind needs to be set.
type StagehandRequest struct {
	ActionTag string // one of the always-deny tags, or "" for an ordinary action
	URL       string
	Path      string
	Command   string
}

// EvaluateStagehand computes allow/deny for a single request using only
// the envelope's declared lists. It never falls back to a less strict
// default when a field is missing — a nil AllowedDomains denies every
// navigate request rather than allowing all domains.
func EvaluateStagehand(env StagehandEnvelope, action StagehandAction, req StagehandRequest) errcode.Code {
	if code, denied := alwaysDeny[req.ActionTag]; denied {
		return code
	}

	switch action {
	case StagehandNavigate:
		if req.URL == "" || !domainAllowed(env.AllowedDomains, req.URL) {
			return errcode.DomainNotAllowed
		}
	case StagehandAct, StagehandAgent:
		if req.Command != "" && !commandAllowed(env.AllowedCommands, req.Command) {
			return errcode.CommandNotAllowed
		}
		if req.Path != "" && !workspaceAllowed(env.AllowedWorkspaces, req.Path) {
			return errcode.WorkspaceNotAllowed
		}
	case StagehandExtract, StagehandObserve:
		if req.Path != "" && !workspaceAllowed(env.AllowedWorkspaces, req.Path) {
			return errcode.WorkspaceNotAllowed
		}
	}
	return ""
}

func domainAllowed(allowed []string, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	for _, d := range allowed {
		if u.Host == d || strings.HasSuffix(u.Host, "."+d) {
			return true
		}
	}
	return false
}

func workspaceAllowed(allowed []string, path string) bool {
	for _, w := range allowed {
		if path == w || strings.HasPrefix(path, strings.TrimSuffix(w, "/")+"/") {
			return true
		}
	}
	return false
}

func commandAllowed(allowed []string, command string) bool {
	for _, c := range allowed {
		if c == command {
			return true
		}
	}
	return false
}
