package nbi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cmimport/pkg/changeset"
	"github.com/openfroyo/cmimport/pkg/engine"
)

const testBaseURL = "https://enm.example.com"

// steppingClock advances by every sleep it observes.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, cfg Config) (*Client, *steppingClock) {
	t.Helper()
	if cfg.BaseURL == "" {
		cfg.BaseURL = testBaseURL
	}
	clock := &steppingClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	c, err := NewClient(cfg, WithSleeper(clock), WithClock(clock))
	require.NoError(t, err)

	gock.InterceptClient(c.HTTPClient())
	t.Cleanup(func() {
		gock.RestoreClient(c.HTTPClient())
		gock.Off()
	})
	return c, clock
}

func writeChangeSet(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testRequest(t *testing.T, jobName string) *engine.ImportRequest {
	return &engine.ImportRequest{
		JobName:    jobName,
		Workflow:   "cmimport_01",
		FilePath:   writeChangeSet(t, "cmimport_01.xml", "<bulkCmConfigDataFile/>"),
		FileName:   "cmimport_01.xml",
		FileFormat: changeset.Format3GPP,
		ConfigName: "Live",
		Flow:       engine.FlowLive,
	}
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{BaseURL: "https://enm.example.com/"}},
		{name: "missing URL", cfg: Config{}, wantErr: true},
		{name: "bad scheme", cfg: Config{BaseURL: "ftp://enm.example.com"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, c.HTTPClient().Jar)
			assert.Equal(t, defaultJobTimeout, c.config.JobTimeout)
			assert.Equal(t, defaultRequestTimeout, c.config.RequestTimeout)
		})
	}
}

func TestClientResolve(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "https://enm.example.com/"})
	require.NoError(t, err)

	got, err := c.resolve("/bulk/import/jobs/5?type=X")
	require.NoError(t, err)
	assert.Equal(t, "https://enm.example.com/bulk/import/jobs/5?type=X", got)

	got, err = c.resolve("https://files.example.com/upload/5")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/upload/5", got)
}

func TestLoginKeepsSessionCookie(t *testing.T) {
	c, _ := newTestClient(t, Config{Username: "administrator", Password: "TestPassw0rd"})

	gock.New(testBaseURL).
		Post("/login").
		MatchType("url").
		BodyString("IDToken1=administrator&IDToken2=TestPassw0rd").
		Reply(200).
		SetHeader("Set-Cookie", "iPlanetDirectoryPro=session-token; Path=/")
	gock.New(testBaseURL).
		Get("/bulk/import/jobs/5").
		AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
			cookie, err := req.Cookie("iPlanetDirectoryPro")
			return err == nil && cookie.Value == "session-token", nil
		}).
		Reply(200).
		JSON(map[string]interface{}{"id": 5, "status": "COMPLETED"})

	ctx := context.Background()
	require.NoError(t, c.Login(ctx))

	job, err := NewV1(c).job(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", job.Status)
	assert.True(t, gock.IsDone())
}

func TestLoginSkippedWithoutUser(t *testing.T) {
	c, _ := newTestClient(t, Config{})
	assert.NoError(t, c.Reopen(context.Background()))
}

func TestLoginFailure(t *testing.T) {
	c, _ := newTestClient(t, Config{Username: "administrator", Password: "wrong"})

	gock.New(testBaseURL).Post("/login").Reply(401).BodyString("Authentication failed")

	err := c.Login(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
	assert.Contains(t, err.Error(), "Login failed: ")
	assert.Contains(t, err.Error(), "Authentication failed")
}

func TestIDJSON(t *testing.T) {
	var job v1Job
	require.NoError(t, json.Unmarshal([]byte(`{"id": 42}`), &job))
	assert.Equal(t, ID("42"), job.ID)

	require.NoError(t, json.Unmarshal([]byte(`{"id": "abc"}`), &job))
	assert.Equal(t, ID("abc"), job.ID)

	assert.Error(t, json.Unmarshal([]byte(`{"id": {}}`), &job))

	data, err := ID("42").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "42", string(data))

	data, err = ID("abc").MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(data))
}
