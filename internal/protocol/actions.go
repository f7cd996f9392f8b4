// ABOUTME: Action descriptor contract passed through to warm agents.
// ABOUTME: The coordinator never interprets params; agents own execution semantics.

package protocol

// Action kinds understood by warm agents. The orchestrator treats these as
// opaque: the catalog exists so scripts can be validated at the edge, not so
// the coordinator can branch on them.
const (
	ActionNavigate      = "navigate"
	ActionClick         = "click"
	ActionType          = "type"
	ActionScroll        = "scroll"
	ActionWait          = "wait"
	ActionWaitElement   = "wait_element"
	ActionHover         = "hover"
	ActionSelect        = "select"
	ActionPressKey      = "press_key"
	ActionScreenshot    = "screenshot"
	ActionSwitchTab     = "switch_tab"
	ActionCloseTab      = "close_tab"
	ActionExecuteScript = "execute_script"
	ActionRandomMouse   = "random_mouse"
	ActionHumanTyping   = "human_typing"
	ActionSearchGoogle  = "search_google"
	ActionLogin         = "login"
)

// Action is one step of a warming script: a kind plus opaque parameters.
type Action struct {
	Type        string         `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	Description string         `json:"description,omitempty"`
}

// KnownActionType reports whether t is part of the agent action catalog.
func KnownActionType(t string) bool {
	switch t {
	case ActionNavigate, ActionClick, ActionType, ActionScroll, ActionWait,
		ActionWaitElement, ActionHover, ActionSelect, ActionPressKey,
		ActionScreenshot, ActionSwitchTab, ActionCloseTab, ActionExecuteScript,
		ActionRandomMouse, ActionHumanTyping, ActionSearchGoogle, ActionLogin:
		return true
	}
	return false
}
