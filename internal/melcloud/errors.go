package melcloud

import "fmt"

// maxSnippetLen bounds how much of a response body is carried in errors.
const maxSnippetLen = 300

// AuthError is returned when a login exchange is rejected or the login
// response lacks the expected LoginData structure.
type AuthError struct {
	StatusCode int
	Body       string
	Reason     string
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("melcloud: login failed: %s: %v", e.Reason, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("melcloud: login failed: %s (status %d): %s", e.Reason, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("melcloud: login failed: %s: %s", e.Reason, e.Body)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TransportError is returned on network failure or when the remote
// responds with a body that is not JSON at all.
type TransportError struct {
	Op   string
	Body string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("melcloud: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("melcloud: %s: non-JSON response: %s", e.Op, e.Body)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is returned when the remote answered with parseable JSON
// (or an HTML error page on a 200) but the content is structurally
// unexpected: empty body, unexpected status, or a shape that does not
// match the documented response.
type ProtocolError struct {
	Op         string
	StatusCode int
	Body       string
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("melcloud: %s: %s (status %d): %s", e.Op, e.Reason, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("melcloud: %s: %s: %s", e.Op, e.Reason, e.Body)
}

// snippet truncates a response body for inclusion in errors and logs.
func snippet(b []byte) string {
	if len(b) <= maxSnippetLen {
		return string(b)
	}
	return string(b[:maxSnippetLen]) + "..."
}
