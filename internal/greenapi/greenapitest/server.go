// Package greenapitest runs an in-process fake of the provider HTTP API.
package greenapitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"green-relay/internal/greenapi"
)

// Token is the credential every fake account accepts.
const Token = "test-token"

// Upload records one sendFileByUpload call.
type Upload struct {
	ChatID   string
	Caption  string
	FileName string
	Data     []byte
}

// Text records one sendMessage call.
type Text struct {
	ChatID  string
	Message string
}

// Server is a fake provider. Exported fields may be changed between calls
// under Lock/Unlock.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	State        string
	Wid          string
	Settings     greenapi.WebhookSettings
	SaveSettings bool
	SetCalls     []greenapi.WebhookSettings
	LastIncoming []greenapi.HistoryEntry
	LastOutgoing []greenapi.HistoryEntry
	History      map[string][]greenapi.HistoryEntry
	Files        map[string][]byte
	Texts        []Text
	Uploads      []Upload

	calls     map[string]int
	overrides map[string]http.HandlerFunc
	nextID    int
}

// NewServer starts a fake provider that is closed with the test.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		State:        greenapi.StateAuthorized,
		Wid:          "79990001122@c.us",
		SaveSettings: true,
		History:      make(map[string][]greenapi.HistoryEntry),
		Files:        make(map[string][]byte),
		calls:        make(map[string]int),
		overrides:    make(map[string]http.HandlerFunc),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Lock guards the exported fields.
func (s *Server) Lock() { s.mu.Lock() }

// Unlock releases Lock.
func (s *Server) Unlock() { s.mu.Unlock() }

// Override replaces the handler of one endpoint.
func (s *Server) Override(endpoint string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[endpoint] = h
}

// Calls returns how many times endpoint was hit.
func (s *Server) Calls(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[endpoint]
}

// FileURL returns a URL serving the named entry of Files.
func (s *Server) FileURL(name string) string {
	return s.URL + "/files/" + name
}

// SentTexts returns a copy of recorded sendMessage calls.
func (s *Server) SentTexts() []Text {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Text(nil), s.Texts...)
}

// SentUploads returns a copy of recorded sendFileByUpload calls.
func (s *Server) SentUploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.Uploads...)
}

// SettingsWrites returns a copy of recorded setSettings payloads.
func (s *Server) SettingsWrites() []greenapi.WebhookSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]greenapi.WebhookSettings(nil), s.SetCalls...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if name, ok := strings.CutPrefix(r.URL.Path, "/files/"); ok {
		s.mu.Lock()
		data, found := s.Files[name]
		s.mu.Unlock()
		if !found {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[2] != Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	endpoint := parts[1]

	s.mu.Lock()
	s.calls[endpoint]++
	override := s.overrides[endpoint]
	s.mu.Unlock()
	if override != nil {
		override(w, r)
		return
	}

	switch endpoint {
	case "getStateInstance":
		s.mu.Lock()
		state := s.State
		s.mu.Unlock()
		writeJSON(w, map[string]string{"stateInstance": state})
	case "getSettings":
		s.mu.Lock()
		st := greenapi.Settings{Wid: s.Wid, WebhookSettings: s.Settings}
		s.mu.Unlock()
		writeJSON(w, st)
	case "setSettings":
		var in greenapi.WebhookSettings
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.SetCalls = append(s.SetCalls, in)
		if s.SaveSettings {
			s.Settings = in
		}
		saved := s.SaveSettings
		s.mu.Unlock()
		writeJSON(w, map[string]bool{"saveSettings": saved})
	case "qr":
		writeJSON(w, map[string]string{"type": "alreadyLogged", "message": "instance account already authorized"})
	case "logout":
		writeJSON(w, map[string]bool{"isLogout": true})
	case "lastIncomingMessages":
		s.mu.Lock()
		out := s.LastIncoming
		s.mu.Unlock()
		writeJSON(w, nonNil(out))
	case "lastOutgoingMessages":
		s.mu.Lock()
		out := s.LastOutgoing
		s.mu.Unlock()
		writeJSON(w, nonNil(out))
	case "getChatHistory":
		var in struct {
			ChatID string `json:"chatId"`
			Count  int    `json:"count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		out := s.History[in.ChatID]
		s.mu.Unlock()
		if in.Count > 0 && len(out) > in.Count {
			out = out[:in.Count]
		}
		writeJSON(w, nonNil(out))
	case "downloadFile":
		var in struct {
			IDMessage string `json:"idMessage"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"downloadUrl": s.FileURL(in.IDMessage)})
	case "sendMessage":
		var in struct {
			ChatID  string `json:"chatId"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.Texts = append(s.Texts, Text{ChatID: in.ChatID, Message: in.Message})
		id := s.newID()
		s.mu.Unlock()
		writeJSON(w, map[string]string{"idMessage": id})
	case "sendFileByUpload":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		_ = f.Close()
		s.mu.Lock()
		s.Uploads = append(s.Uploads, Upload{
			ChatID:   r.FormValue("chatId"),
			Caption:  r.FormValue("caption"),
			FileName: hdr.Filename,
			Data:     data,
		})
		id := s.newID()
		s.mu.Unlock()
		writeJSON(w, map[string]string{"idMessage": id})
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) newID() string {
	s.nextID++
	return fmt.Sprintf("BAE5%06d", s.nextID)
}

func nonNil(in []greenapi.HistoryEntry) []greenapi.HistoryEntry {
	if in == nil {
		return []greenapi.HistoryEntry{}
	}
	return in
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
