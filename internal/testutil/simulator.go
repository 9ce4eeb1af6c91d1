package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/coder/websocket"
)

// Simulator is a minimal battle simulator for integration tests. It serves
// the WebSocket protocol at WSURL and the login action at ActionURL.
//
// Each connection is greeted with a challenge after "/autojoin", confirmed
// after a "/trn" carrying a valid assertion, placed in a fresh battle room
// after "/search", sent a decision request, and declared the winner's room
// after any "/choose".
type Simulator struct {
	// WSURL is the ws:// endpoint.
	WSURL string
	// ActionURL is the login endpoint.
	ActionURL string

	server  *httptest.Server
	t       *testing.T
	rooms   atomic.Int32
	conns   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	frames  map[int][]string
	logins  atomic.Int32
	battles atomic.Int32
}

// NewSimulator starts a simulator that is closed when the test ends.
//
// Postcondition: WSURL and ActionURL are reachable.
func NewSimulator(t *testing.T) *Simulator {
	t.Helper()
	s := &Simulator{t: t, frames: make(map[int][]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("/showdown/websocket", s.serveWS)
	mux.HandleFunc("/action.php", s.serveAction)
	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)

	s.WSURL = "ws" + strings.TrimPrefix(s.server.URL, "http") + "/showdown/websocket"
	s.ActionURL = s.server.URL + "/action.php"
	return s
}

// serveAction signs the posted challenge so serveWS can verify the login.
func (s *Simulator) serveAction(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("act") != "login" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_, _ = fmt.Fprintf(w, `]{"actionsuccess":true,"assertion":"signed:%s"}`, r.PostForm.Get("challstr"))
}

func (s *Simulator) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Logf("simulator accept: %v", err)
		return
	}
	defer c.CloseNow()

	n := int(s.conns.Add(1))
	active := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.peak.Load()
		if active <= peak || s.peak.CompareAndSwap(peak, active) {
			break
		}
	}

	ctx := r.Context()
	challenge := fmt.Sprintf("4|challenge%d", n)
	var room string

	send := func(msg string) bool {
		return c.Write(ctx, websocket.MessageText, []byte(msg)) == nil
	}

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		frame := string(data)
		s.record(n, frame)

		roomToken, command, _ := strings.Cut(frame, "|")
		switch {
		case command == "/autojoin":
			if !send("|challstr|" + challenge) {
				return
			}
		case strings.HasPrefix(command, "/trn "):
			fields := strings.SplitN(strings.TrimPrefix(command, "/trn "), ",", 3)
			if len(fields) != 3 || fields[2] != "signed:"+challenge {
				send("|popup|Invalid assertion")
				continue
			}
			s.logins.Add(1)
			send("|updateuser| " + fields[0] + "|1|102|{}")
		case strings.HasPrefix(command, "/search "):
			room = fmt.Sprintf("battle-%d", s.rooms.Add(1))
			send("|updatesearch|{\"searching\":[]}")
			send(">" + room + "\n|init|battle\n|title|bot vs. rival")
			send(">" + room + "\n|request|{\"rqid\":1}")
		case roomToken != "" && roomToken == room && strings.HasPrefix(command, "/choose "):
			s.battles.Add(1)
			send(">" + room + "\n|win|rival")
		}
	}
}

func (s *Simulator) record(conn int, frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[conn] = append(s.frames[conn], frame)
}

// Frames returns the frames received on the n-th connection (1-based).
func (s *Simulator) Frames(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames[n]))
	copy(out, s.frames[n])
	return out
}

// Connections returns how many WebSocket connections were accepted.
func (s *Simulator) Connections() int { return int(s.conns.Load()) }

// Logins returns how many logins were confirmed.
func (s *Simulator) Logins() int { return int(s.logins.Load()) }

// Battles returns how many battles were finished.
func (s *Simulator) Battles() int { return int(s.battles.Load()) }

// PeakConnections returns the largest number of simultaneously open connections.
func (s *Simulator) PeakConnections() int { return int(s.peak.Load()) }
