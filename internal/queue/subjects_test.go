package queue

import "testing"

func TestSubjectBuildersNamespaceByUser(t *testing.T) {
	cases := []struct {
		name string
		fn   func(string) string
		want string
	}{
		{"buffer", BufferSubject, "buffer.alice"},
		{"structure", StructureSubject, "structure.alice"},
		{"profile", ProfileSubject, "profile.alice"},
		{"response", ResponseSubject, "ai_response.alice"},
	}
	for _, c := range cases {
		if got := c.fn("alice"); got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, got, c.want)
		}
	}
}

func TestIsTransientMatchesKnownMarkersCaseInsensitive(t *testing.T) {
	transient := []string{
		"dial tcp: connection refused",
		"ConnectionError: broken pipe",
		"TimeoutError waiting for response",
		"BusyLoadingError: redis is loading",
		"503 Service Unavailable",
		"socket.timeout: timed out",
	}
	for _, msg := range transient {
		if !IsTransient(msg) {
			t.Errorf("expected %q to be classified transient", msg)
		}
	}
}

func TestIsTransientRejectsUnknownErrors(t *testing.T) {
	permanent := []string{
		"invalid JSON payload",
		"entity not found",
		"permission denied",
	}
	for _, msg := range permanent {
		if IsTransient(msg) {
			t.Errorf("did not expect %q to be classified transient", msg)
		}
	}
}
