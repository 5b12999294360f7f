package workers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"troop/internal/mail"
)

// busCall is one recorded tool invocation on the fake message bus.
type busCall struct {
	Name string
	Args map[string]any
}

// newBus starts a fake message bus and returns a client pointed at it.
func newBus(t *testing.T) (*mail.Client, *[]busCall) {
	t.Helper()
	var calls []busCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req struct {
			Params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			} `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		calls = append(calls, busCall{Name: req.Params.Name, Args: req.Params.Arguments})

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	t.Cleanup(srv.Close)

	return mail.NewClient(srv.URL, nil), &calls
}

func findCall(calls []busCall, name string) (busCall, bool) {
	for _, c := range calls {
		if c.Name == name {
			return c, true
		}
	}
	return busCall{}, false
}
