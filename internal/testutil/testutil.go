// Package testutil provides helpers shared by LeadPipe tests.
package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Clock is a settable clock safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock reading t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Envelope is an API response with the result left undecoded.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// DecodeEnvelope decodes the response envelope and checks the HTTP status. The envelope status
// must be "error" for 4xx and 5xx codes and "ok" otherwise.
func DecodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, wantCode int, what string) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s: invalid JSON response %q: %v", what, rec.Body.String(), err)
	}
	if rec.Code != wantCode {
		t.Errorf("%s: expected HTTP %d, got %d (message %q)", what, wantCode, rec.Code, env.Message)
	}
	wantStatus := string(models.APIStatusOK)
	if wantCode >= 400 {
		wantStatus = string(models.APIStatusError)
	}
	if env.Status != wantStatus {
		t.Errorf("%s: expected envelope status %q, got %q", what, wantStatus, env.Status)
	}
	return env
}

// MustUnmarshalJSON unmarshals data into target and fails the test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON %s: %v", data, err)
	}
}

// SeedContact saves c directly in st with consent granted. Empty first name and zone default to
// "Test" and UTC.
func SeedContact(t *testing.T, st store.Store, c models.Contact) models.Contact {
	t.Helper()
	if c.FirstName == "" {
		c.FirstName = "Test"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.ConsentGranted = true
	if err := st.SaveContact(c); err != nil {
		t.Fatalf("failed to seed contact %s: %v", c.ID, err)
	}
	return c
}

// AssertTaskTypes checks the pending task types in run order.
func AssertTaskTypes(t *testing.T, tasks []models.ScheduledTask, want ...models.TaskType) {
	t.Helper()
	if len(tasks) != len(want) {
		t.Fatalf("expected %d tasks %v, got %d", len(want), want, len(tasks))
	}
	for i, w := range want {
		if tasks[i].Type != w {
			t.Errorf("task %d: expected %s, got %s", i, w, tasks[i].Type)
		}
	}
}
