package token

// AuthenticationState is one of Disconnected, Authenticating, Authenticated,
// Refreshing or Errored.
type AuthenticationState interface {
	String() string
	authState()
}

type (
	Disconnected   struct{}
	Authenticating struct{}
	Authenticated  struct{}
	Refreshing     struct{}
	// Errored carries why the last operation failed. The credential, if any,
	// is still held.
	Errored struct{ Reason string }
)

const (
	ReasonTransient      = "transient"
	ReasonStorage        = "storage"
	ReasonExchangeFailed = "exchange_failed"
)

func (Disconnected) authState()   {}
func (Authenticating) authState() {}
func (Authenticated) authState()  {}
func (Refreshing) authState()     {}
func (Errored) authState()        {}

func (Disconnected) String() string   { return "disconnected" }
func (Authenticating) String() string { return "authenticating" }
func (Authenticated) String() string  { return "authenticated" }
func (Refreshing) String() string     { return "refreshing" }
func (e Errored) String() string      { return "error(" + e.Reason + ")" }

// StateName returns the bare state name without the error reason.
func StateName(s AuthenticationState) string {
	if _, ok := s.(Errored); ok {
		return "error"
	}
	return s.String()
}
