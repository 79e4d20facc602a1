package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"browser-task-orchestrator/internal/agent"
	"browser-task-orchestrator/internal/broadcast"
	"browser-task-orchestrator/internal/browser"
	"browser-task-orchestrator/internal/orchestrator"
	"browser-task-orchestrator/internal/task"
)

type fakeProvider struct {
	mu         sync.Mutex
	created    int
	terminated []string
}

func (p *fakeProvider) CreateSession(ctx context.Context) (*browser.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	id := fmt.Sprintf("session-%d", p.created)
	return &browser.Session{ID: id, LiveViewURL: "https://live.example.test/" + id, CreatedAt: time.Now()}, nil
}

func (p *fakeProvider) TerminateSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = append(p.terminated, sessionID)
	return nil
}

func (p *fakeProvider) LiveViewURL(ctx context.Context, sessionID string) (string, error) {
	return "https://live.example.test/" + sessionID, nil
}

type fakePage struct{}

func (fakePage) Navigate(ctx context.Context, url string) error        { return nil }
func (fakePage) Click(ctx context.Context, selector string) error      { return nil }
func (fakePage) Type(ctx context.Context, selector, text string) error { return nil }
func (fakePage) Extract(ctx context.Context, selector string) (string, error) {
	return "", nil
}
func (fakePage) Snapshot(ctx context.Context) (string, error) { return "<html></html>", nil }
func (fakePage) Close(ctx context.Context) error              { return nil }

type fakeDriver struct{}

func (fakeDriver) Connect(ctx context.Context, session *browser.Session) (browser.Page, error) {
	return fakePage{}, nil
}

// loopDecider keeps proposing navigate so a task stays RUNNING until it is
// paused or cancelled from the API.
type loopDecider struct{}

func (loopDecider) Decide(ctx context.Context, goal *agent.Goal) (*agent.Decision, error) {
	args, _ := json.Marshal(map[string]string{"url": "https://example.test"})
	return &agent.Decision{
		Thinking: "keep browsing",
		Action:   agent.ProposedAction{Name: agent.ActionNavigate, Args: args},
	}, nil
}

func setupTestAppWithRoutes(t *testing.T, dbFilePath string) (*route.Engine, *gorm.DB, *orchestrator.Orchestrator) {
	os.Remove(dbFilePath)

	gormDB, err := gorm.Open(sqlite.Open(dbFilePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database '%s': %v", dbFilePath, err)
	}
	store := orchestrator.NewGormStore(gormDB)
	if err := store.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test database '%s': %v", dbFilePath, err)
	}

	hlog.SetLevel(hlog.LevelFatal)

	broadcaster := broadcast.New()
	o, err := orchestrator.New(context.Background(), orchestrator.DefaultOrchestratorConfig(),
		store, &fakeProvider{}, fakeDriver{}, loopDecider{}, broadcaster, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(shutdownCtx)
	})

	h := server.Default(
		server.WithHostPorts("127.0.0.1:0"),
		server.WithExitWaitTime(time.Duration(0)),
	)

	taskHandler := NewTaskHandler(o)
	taskGroup := h.Group("/tasks")
	{
		taskGroup.POST("", taskHandler.SubmitTask)
		taskGroup.GET("", taskHandler.ListTasks)
		taskGroup.GET("/:id", taskHandler.GetTask)
		taskGroup.GET("/:id/steps", taskHandler.GetTaskSteps)
		taskGroup.POST("/:id/pause", taskHandler.PauseTask)
		taskGroup.POST("/:id/resume", taskHandler.ResumeTask)
		taskGroup.POST("/:id/cancel", taskHandler.CancelTask)
	}
	return h.Engine, gormDB, o
}

func teardownTestDBFromRouter(gormDB *gorm.DB, t *testing.T, dbFilePath string) {
	if gormDB != nil {
		sqlDB, err := gormDB.DB()
		if err == nil && sqlDB != nil {
			if err = sqlDB.Close(); err != nil {
				t.Logf("Warning: could not close test API DB: %v", err)
			}
		}
	}
	err := os.Remove(dbFilePath)
	if err != nil && !os.IsNotExist(err) {
		t.Logf("Warning: could not remove test API DB file '%s': %v", dbFilePath, err)
	}
}

func testDBFile(prefix string) string {
	return prefix + strconv.FormatInt(time.Now().UnixNano(), 10) + ".db"
}

func submitTask(t *testing.T, router *route.Engine, owner, prompt string) task.Task {
	payloadBytes, _ := json.Marshal(SubmitTaskRequest{Prompt: prompt})
	w := ut.PerformRequest(router, "POST", "/tasks",
		&ut.Body{Body: bytes.NewReader(payloadBytes), Len: len(payloadBytes)},
		ut.Header{Key: "Content-Type", Value: "application/json"},
		ut.Header{Key: "X-Owner-ID", Value: owner})
	resp := w.Result()
	require.Equal(t, http.StatusCreated, resp.StatusCode(), "body: %s", resp.Body())
	var created task.Task
	require.NoError(t, json.Unmarshal(resp.Body(), &created))
	return created
}

func waitForAPIStatus(t *testing.T, router *route.Engine, owner, taskID string, want task.Status) task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last task.Task
	for time.Now().Before(deadline) {
		w := ut.PerformRequest(router, "GET", "/tasks/"+taskID, nil,
			ut.Header{Key: "X-Owner-ID", Value: owner})
		resp := w.Result()
		if resp.StatusCode() == http.StatusOK {
			if err := json.Unmarshal(resp.Body(), &last); err == nil && last.Status == want {
				return last
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s over the API, last status %s", taskID, want, last.Status)
	return last
}

func TestSubmitTaskAPI_Valid(t *testing.T) {
	dbFilePath := testDBFile("test_api_submit_valid_")
	router, gormDB, _ := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	created := submitTask(t, router, "owner-1", "find the pricing page")
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "owner-1", created.OwnerID)
	assert.Equal(t, "find the pricing page", created.Prompt)
}

func TestSubmitTaskAPI_MissingOwnerHeader(t *testing.T) {
	dbFilePath := testDBFile("test_api_submit_noowner_")
	router, gormDB, _ := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	payloadBytes, _ := json.Marshal(SubmitTaskRequest{Prompt: "find something"})
	w := ut.PerformRequest(router, "POST", "/tasks",
		&ut.Body{Body: bytes.NewReader(payloadBytes), Len: len(payloadBytes)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode())
}

func TestSubmitTaskAPI_EmptyPrompt(t *testing.T) {
	dbFilePath := testDBFile("test_api_submit_empty_")
	router, gormDB, _ := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	payloadBytes := []byte(`{"prompt":""}`)
	w := ut.PerformRequest(router, "POST", "/tasks",
		&ut.Body{Body: bytes.NewReader(payloadBytes), Len: len(payloadBytes)},
		ut.Header{Key: "Content-Type", Value: "application/json"},
		ut.Header{Key: "X-Owner-ID", Value: "owner-1"})
	assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode())
}

func TestGetTaskAPI_OwnershipAndNotFound(t *testing.T) {
	dbFilePath := testDBFile("test_api_get_owner_")
	router, gormDB, _ := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	created := submitTask(t, router, "owner-1", "check order status")

	w := ut.PerformRequest(router, "GET", "/tasks/"+created.ID, nil,
		ut.Header{Key: "X-Owner-ID", Value: "owner-2"})
	assert.Equal(t, http.StatusForbidden, w.Result().StatusCode())

	w = ut.PerformRequest(router, "GET", "/tasks/no-such-task", nil,
		ut.Header{Key: "X-Owner-ID", Value: "owner-1"})
	assert.Equal(t, http.StatusNotFound, w.Result().StatusCode())
}

func TestListTasksAPI_FiltersByOwner(t *testing.T) {
	dbFilePath := testDBFile("test_api_list_")
	router, gormDB, _ := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	submitTask(t, router, "owner-1", "first errand")
	submitTask(t, router, "owner-1", "second errand")
	submitTask(t, router, "owner-2", "someone else's errand")

	w := ut.PerformRequest(router, "GET", "/tasks", nil,
		ut.Header{Key: "X-Owner-ID", Value: "owner-1"})
	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())
	var tasks []task.Task
	require.NoError(t, json.Unmarshal(resp.Body(), &tasks))
	assert.Len(t, tasks, 2)
	for _, item := range tasks {
		assert.Equal(t, "owner-1", item.OwnerID)
	}
}

func TestPauseResumeCancelAPI(t *testing.T) {
	dbFilePath := testDBFile("test_api_control_")
	router, gormDB, _ := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	created := submitTask(t, router, "owner-1", "browse until told otherwise")
	waitForAPIStatus(t, router, "owner-1", created.ID, task.StatusRunning)

	w := ut.PerformRequest(router, "POST", "/tasks/"+created.ID+"/pause", nil,
		ut.Header{Key: "X-Owner-ID", Value: "owner-1"})
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())
	waitForAPIStatus(t, router, "owner-1", created.ID, task.StatusPaused)

	// Pausing an already paused task is an invalid transition.
	w = ut.PerformRequest(router, "POST", "/tasks/"+created.ID+"/pause", nil,
		ut.Header{Key: "X-Owner-ID", Value: "owner-1"})
	assert.Equal(t, http.StatusConflict, w.Result().StatusCode())

	w = ut.PerformRequest(router, "POST", "/tasks/"+created.ID+"/resume", nil,
		ut.Header{Key: "X-Owner-ID", Value: "owner-1"})
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())
	waitForAPIStatus(t, router, "owner-1", created.ID, task.StatusRunning)

	w = ut.PerformRequest(router, "POST", "/tasks/"+created.ID+"/cancel", nil,
		ut.Header{Key: "X-Owner-ID", Value: "owner-1"})
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())
	waitForAPIStatus(t, router, "owner-1", created.ID, task.StatusCancelled)
}

func TestGetTaskStepsAPI(t *testing.T) {
	dbFilePath := testDBFile("test_api_steps_")
	router, gormDB, _ := setupTestAppWithRoutes(t, dbFilePath)
	defer teardownTestDBFromRouter(gormDB, t, dbFilePath)

	created := submitTask(t, router, "owner-1", "browse until told otherwise")
	waitForAPIStatus(t, router, "owner-1", created.ID, task.StatusRunning)

	// The loop decider emits steps continuously; wait for a few to land.
	deadline := time.Now().Add(5 * time.Second)
	var steps []task.Step
	for time.Now().Before(deadline) {
		w := ut.PerformRequest(router, "GET", "/tasks/"+created.ID+"/steps", nil,
			ut.Header{Key: "X-Owner-ID", Value: "owner-1"})
		resp := w.Result()
		require.Equal(t, http.StatusOK, resp.StatusCode())
		require.NoError(t, json.Unmarshal(resp.Body(), &steps))
		if len(steps) >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.GreaterOrEqual(t, len(steps), 3)
	for i, step := range steps {
		assert.Equal(t, uint64(i+1), step.Sequence)
		assert.Equal(t, created.ID, step.TaskID)
	}

	w := ut.PerformRequest(router, "POST", "/tasks/"+created.ID+"/cancel", nil,
		ut.Header{Key: "X-Owner-ID", Value: "owner-1"})
	assert.Equal(t, http.StatusOK, w.Result().StatusCode())
}
