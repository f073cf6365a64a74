package browsersession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/chromesession/pkg/chrerr"
)

type fakeTab struct {
	srv   *httptest.Server
	wsURL string
}

func newFakeTab(t *testing.T, handle func(*websocket.Conn)) *fakeTab {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ft := &fakeTab{}
	ft.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		handle(c)
	}))
	ft.wsURL = "ws" + strings.TrimPrefix(ft.srv.URL, "http")
	return ft
}

// echoOK answers every command with {"ok":true}, regardless of method.
func echoOK(t *testing.T, extra map[string]string) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		for {
			_, b, err := c.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			require.NoError(t, json.Unmarshal(b, &req))
			result := `{"ok":true}`
			if extra != nil {
				if v, ok := extra[req.Method]; ok {
					result = v
				}
			}
			resp := `{"id":` + strconv.FormatInt(req.ID, 10) + `,"result":` + result + `}`
			if err := c.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
				return
			}
		}
	}
}

func TestEnableDomainIsIdempotent(t *testing.T) {
	var enableCount int
	ft := newFakeTab(t, func(c *websocket.Conn) {
		for {
			_, b, err := c.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			require.NoError(t, json.Unmarshal(b, &req))
			if req.Method == "Page.enable" {
				enableCount++
			}
			resp := `{"id":` + strconv.FormatInt(req.ID, 10) + `,"result":{}}`
			c.WriteMessage(websocket.TextMessage, []byte(resp))
		}
	})
	defer ft.srv.Close()

	s, err := Dial(context.Background(), "tab1", "target1", ft.wsURL, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.EnableDomain(context.Background(), DomainPage))
	require.NoError(t, s.EnableDomain(context.Background(), DomainPage))
	require.Equal(t, 1, enableCount)
}

func TestEvalJSRefusedWhileDialogOpen(t *testing.T) {
	ft := newFakeTab(t, echoOK(t, nil))
	defer ft.srv.Close()

	s, err := Dial(context.Background(), "tab1", "target1", ft.wsURL, nil)
	require.NoError(t, err)
	defer s.Close()

	s.SetDialogOpen(true)
	_, err = s.EvalJS(context.Background(), "1+1", time.Second)
	require.Error(t, err)
	var te *chrerr.ToolError
	require.ErrorAs(t, err, &te)
	require.Equal(t, chrerr.KindDialogBlocked, te.Kind)
}

func TestEvalJSReturnsMaterializedValue(t *testing.T) {
	ft := newFakeTab(t, echoOK(t, map[string]string{
		"Runtime.evaluate": `{"result":{"value":42}}`,
	}))
	defer ft.srv.Close()

	s, err := Dial(context.Background(), "tab1", "target1", ft.wsURL, nil)
	require.NoError(t, err)
	defer s.Close()

	raw, err := s.EvalJS(context.Background(), "40+2", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, "42", string(raw))
}

func TestCloseIsIdempotent(t *testing.T) {
	ft := newFakeTab(t, echoOK(t, nil))
	defer ft.srv.Close()

	s, err := Dial(context.Background(), "tab1", "target1", ft.wsURL, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
