// Package fake is a scripted in-memory server implementing the adapters
// Session and Dialer contracts. Responses are registered per SQL text.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruslano69/mssqlpool/pkg/adapters"
	"github.com/ruslano69/mssqlpool/pkg/config"
	"github.com/ruslano69/mssqlpool/pkg/core/recordset"
	"github.com/ruslano69/mssqlpool/pkg/core/sqltypes"
)

// ErrDial - ошибка открытия соединения, заданная через FailDials
var ErrDial = fmt.Errorf("fake: %w", adapters.ErrLoginFailed)

// Response - сценарий ответа на одну команду
type Response struct {
	Events      []recordset.Event
	Outputs     map[string]any // by parameter name, emitted for declared outputs
	ReturnValue *int64
	Err         error

	Delay  time.Duration // sleep before responding; ctx cancels the sleep
	Block  bool          // wait until ctx is done
	Broken bool          // fail with adapters.ErrSessionBroken
}

// Handler builds the response for cmd.
type Handler func(cmd *adapters.Command) Response

// Entry is one logged operation.
type Entry struct {
	Session string
	Op      string // query, batch, execute, prepared, begin, commit, rollback, prepare, unprepare, bulk
	Text    string
	Params  map[string]any
}

// Stats - счетчики сервера
type Stats struct {
	Open      int
	MaxOpen   int
	Dials     int
	Active    int
	MaxActive int
}

// Server is a scripted database server.
type Server struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	fallback  Handler
	log       []Entry
	tables    map[string]*recordset.Table
	failDials int
	dialDelay time.Duration

	open, maxOpen, dials int
	active, maxActive    int
	started              chan Entry
}

// NewServer creates an empty server. Unknown commands complete with no
// results.
func NewServer() *Server {
	return &Server{
		handlers: make(map[string]Handler),
		tables:   make(map[string]*recordset.Table),
	}
}

// Handle registers h for commands whose text equals text.
func (s *Server) Handle(text string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[text] = h
}

// Respond registers a fixed response for text.
func (s *Server) Respond(text string, r Response) {
	s.Handle(text, func(*adapters.Command) Response { return r })
}

// Fallback sets the handler for unregistered texts.
func (s *Server) Fallback(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// FailDials makes the next n dials fail with ErrDial.
func (s *Server) FailDials(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDials = n
}

// DialDelay slows every dial down by d.
func (s *Server) DialDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialDelay = d
}

// Started returns a channel receiving every command as it starts
// executing. Must be called before the commands are sent.
func (s *Server) Started() <-chan Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started == nil {
		s.started = make(chan Entry, 256)
	}
	return s.started
}

// Log returns a copy of all logged operations.
func (s *Server) Log() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.log...)
}

// Ops returns "op text" strings of the log, convenient for comparisons.
func (s *Server) Ops() []string {
	var out []string
	for _, e := range s.Log() {
		out = append(out, strings.TrimSpace(e.Op+" "+e.Text))
	}
	return out
}

// Stats returns server counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Open: s.open, MaxOpen: s.maxOpen, Dials: s.dials, Active: s.active, MaxActive: s.maxActive}
}

// Table returns the committed contents of a bulk-loaded table.
func (s *Server) Table(name string) (*recordset.Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[strings.ToLower(name)]
	return t, ok
}

// Dial implements adapters.Dialer.
func (s *Server) Dial(ctx context.Context) (adapters.Session, error) {
	s.mu.Lock()
	delay := s.dialDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failDials > 0 {
		s.failDials--
		return nil, ErrDial
	}
	s.dials++
	s.open++
	if s.open > s.maxOpen {
		s.maxOpen = s.open
	}
	return &Session{server: s, id: uuid.NewString(), prepared: make(map[*handle]bool)}, nil
}

// Close implements adapters.Dialer.
func (s *Server) Close() error { return nil }

// Register adds the fake as driver "fake" backed by srv.
func Register(srv *Server) {
	adapters.Register("fake", func(cfg *config.Config) (adapters.Dialer, error) {
		return srv, nil
	})
}

func (s *Server) record(e Entry) {
	s.mu.Lock()
	s.log = append(s.log, e)
	ch := s.started
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *Server) lookup(text string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handlers[text]; ok {
		return h
	}
	return s.fallback
}

func (s *Server) enter() {
	s.mu.Lock()
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	s.mu.Unlock()
}

func (s *Server) leave() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}

func (s *Server) commitTable(t *recordset.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(t.Name)
	dst, ok := s.tables[key]
	if !ok {
		dst = recordset.NewTable(t.Name)
		dst.Columns = append(dst.Columns, t.Columns...)
		s.tables[key] = dst
	}
	dst.Rows = append(dst.Rows, t.Rows...)
}

func paramValues(ps *sqltypes.Params) map[string]any {
	if ps == nil {
		return nil
	}
	out := make(map[string]any, ps.Len())
	for _, p := range ps.List() {
		out[p.Name] = p.Value
	}
	return out
}

// Col describes one nullable result column.
func Col(name string, t sqltypes.Type) *recordset.Column {
	return &recordset.Column{Name: name, Type: t, Nullable: true}
}

// Set returns the events of one result set followed by its done event.
func Set(cols []*recordset.Column, rows ...recordset.Row) []recordset.Event {
	evs := []recordset.Event{{Kind: recordset.EventMetadata, Columns: cols}}
	for _, r := range rows {
		evs = append(evs, recordset.Event{Kind: recordset.EventRow, Row: r})
	}
	return append(evs, Done(int64(len(rows))))
}

// Done returns a statement completion event.
func Done(rows int64) recordset.Event {
	return recordset.Event{Kind: recordset.EventDone, RowsAffected: rows}
}

// Concat joins event slices.
func Concat(parts ...[]recordset.Event) []recordset.Event {
	var out []recordset.Event
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ServerError builds a server-reported error.
func ServerError(number int32, msg string) error {
	return &adapters.ServerError{Number: number, State: 1, Class: 16, Message: msg, ServerName: "fake", LineNumber: 1}
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

var _ adapters.Dialer = (*Server)(nil)

// String describes the server for logs.
func (s *Server) String() string {
	st := s.Stats()
	return fmt.Sprintf("fake(open=%d, max=%d)", st.Open, st.MaxOpen)
}
