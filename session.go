package chatsync

import (
	"sync"
)

// Session owns the credential lifecycle the transport depends on. It is a
// boundary object: how tokens are obtained (login, refresh) is the caller's
// business; Session only tracks the current value and notifies listeners
// when it changes or is forcibly invalidated.
type Session struct {
	mu         sync.RWMutex
	credential string
	onChange   []func(credential string)
	onLogout   []func()
}

// NewSession creates a session with no credential.
func NewSession() *Session {
	return &Session{}
}

// CurrentCredential returns the current token, or "" when logged out.
func (s *Session) CurrentCredential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

// SetCredential installs a new token and notifies change listeners. Used on
// login and on token refresh; the transport reacts by (re)connecting.
func (s *Session) SetCredential(token string) {
	s.mu.Lock()
	if s.credential == token {
		s.mu.Unlock()
		return
	}
	s.credential = token
	listeners := append([]func(string){}, s.onChange...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(token)
	}
}

// OnCredentialChange registers a listener invoked with each new credential.
func (s *Session) OnCredentialChange(fn func(credential string)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// OnForcedLogout registers a listener invoked when the session is
// invalidated (REST 401 or rejected handshake).
func (s *Session) OnForcedLogout(fn func()) {
	s.mu.Lock()
	s.onLogout = append(s.onLogout, fn)
	s.mu.Unlock()
}

// ForceLogout clears the credential and notifies logout listeners. The wired
// transport disconnects and does not reconnect until a new credential is
// supplied via SetCredential.
func (s *Session) ForceLogout() {
	s.mu.Lock()
	if s.credential == "" {
		s.mu.Unlock()
		return
	}
	s.credential = ""
	listeners := append([]func(){}, s.onLogout...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
