// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/glassscore/services/evaluator/datatypes"
	"github.com/AleutianAI/glassscore/services/evaluator/engine"
	"github.com/AleutianAI/glassscore/services/evaluator/producer"
	"github.com/AleutianAI/glassscore/services/evaluator/session"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type stubProducer struct {
	kind  producer.Kind
	items []datatypes.Evidence
	gate  <-chan struct{}
}

func (p *stubProducer) Kind() producer.Kind { return p.kind }

func (p *stubProducer) Produce(ctx context.Context, _ producer.Input) ([]datatypes.Evidence, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.items, nil
}

type stubReevaluator struct{}

func (stubReevaluator) Kind() producer.Kind { return producer.KindReevaluation }

func (stubReevaluator) Produce(context.Context, producer.Input) ([]datatypes.Evidence, error) {
	return []datatypes.Evidence{datatypes.NewEvidence(-3, "corrected", "", "")}, nil
}

func scenario() []producer.Producer {
	return []producer.Producer{
		&stubProducer{kind: producer.KindModel, items: []datatypes.Evidence{
			datatypes.NewEvidence(50, "low risk", "income", producer.ModelSource)}},
		&stubProducer{kind: producer.KindText, items: []datatypes.Evidence{
			datatypes.NewEvidence(-5, "gap", "2019-2021", "resume")}},
		&stubProducer{kind: producer.KindWeb, items: []datatypes.Evidence{
			datatypes.NewEvidence(2, "verified", "profile", "https://example.org")}},
	}
}

type testServer struct {
	engine *engine.Engine
	router *gin.Engine
}

func newTestServer(t *testing.T, producers []producer.Producer, keepAlive time.Duration) *testServer {
	t.Helper()
	eng := engine.New(session.NewStore(), producers, engine.WithReevaluator(stubReevaluator{}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	router := gin.New()
	api := router.Group("/api")
	api.POST("/session/create", CreateSession(eng))
	api.GET("/session/get", GetSession(eng))
	api.POST("/session/profile", UpdateProfile(eng))
	api.POST("/session/attach", AttachContent(eng))
	api.POST("/session/evidence", UpdateEvidence(eng))
	api.GET("/session/archive", GetArchivedSession(eng))
	api.DELETE("/session/:session_id", DeleteSession(eng))

	h := NewEvaluateHandler(eng, nil, keepAlive)
	api.POST("/evaluate/start", h.StartEvaluation)
	api.GET("/evaluate/stream", h.StreamEvaluation)
	api.POST("/evaluate/stream", h.StreamEvaluation)
	api.GET("/evaluate/ws", h.StreamWebSocket)
	router.GET("/healthz", HealthCheck("glassscore"))

	return &testServer{engine: eng, router: router}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createSession(t *testing.T) datatypes.Session {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/session/create", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sess datatypes.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	require.NotEmpty(t, sess.SessionID)
	return sess
}

func decodeSession(t *testing.T, w *httptest.ResponseRecorder) datatypes.Session {
	t.Helper()
	var sess datatypes.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	return sess
}

// sseFrame is one parsed Server-Sent Event.
type sseFrame struct {
	id      string
	event   string
	data    string
	comment bool
}

// readFrame reads the next frame, including comment-only frames.
func readFrame(r *bufio.Reader) (sseFrame, error) {
	var f sseFrame
	seen := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if seen {
				return f, nil
			}
			continue
		}
		seen = true
		switch {
		case strings.HasPrefix(line, ":"):
			f.comment = true
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

// openStream issues a stream request against a live server.
func openStream(t *testing.T, ctx context.Context, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// readRound reads evidence frames until evaluation_complete.
func readRound(t *testing.T, r *bufio.Reader) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for {
		f, err := readFrame(r)
		require.NoError(t, err)
		if f.comment {
			continue
		}
		frames = append(frames, f)
		if f.event == string(datatypes.EventEvaluationComplete) {
			return frames
		}
	}
}

// =============================================================================
// Session Endpoints
// =============================================================================

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, nil, 0)
	w := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"glassscore"}`, w.Body.String())
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t, nil, 0)
	sess := s.createSession(t)
	assert.Empty(t, sess.EvidenceList)
	assert.False(t, sess.EvaluationInProgress)

	t.Run("get", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/session/get?session_id="+sess.SessionID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, sess.SessionID, decodeSession(t, w).SessionID)
	})

	t.Run("get unknown", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/session/get?session_id=missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"error":"session not found"}`, w.Body.String())
	})

	t.Run("get without id", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/session/get", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("profile", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/session/profile", map[string]any{
			"session_id":   sess.SessionID,
			"user_profile": map[string]any{"name": "Ada", "age": 36, "income": 85000},
			"loan_application": map[string]any{
				"person_age":                 36,
				"person_income":              85000,
				"person_home_ownership":      "RENT",
				"person_emp_length":          8,
				"loan_intent":                "EDUCATION",
				"loan_grade":                 "B",
				"loan_amnt":                  10000,
				"loan_int_rate":              9.5,
				"cb_person_default_on_file":  "N",
				"cb_person_cred_hist_length": 6,
			},
		})
		require.Equal(t, http.StatusOK, w.Code)
		got := decodeSession(t, w)
		require.NotNil(t, got.UserProfile)
		assert.Equal(t, "Ada", got.UserProfile.Name)
		assert.NotNil(t, got.LoanApplication)
	})

	t.Run("profile rejects invalid age", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/session/profile", map[string]any{
			"session_id":   sess.SessionID,
			"user_profile": map[string]any{"age": -1},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("profile unknown session", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/session/profile", map[string]any{
			"session_id":   "missing",
			"user_profile": map[string]any{"name": "Ada"},
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("attach suffixes duplicate keys", func(t *testing.T) {
		body := map[string]any{
			"session_id":   sess.SessionID,
			"text_content": map[string]any{"key": "resume", "text": "Engineer since 2015.", "source": "upload"},
		}
		require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/session/attach", body).Code)
		w := s.do(t, http.MethodPost, "/api/session/attach", body)
		require.Equal(t, http.StatusOK, w.Code)

		got := decodeSession(t, w)
		require.Len(t, got.TextContents, 2)
		assert.Equal(t, "resume", got.TextContents[0].Key)
		assert.Equal(t, "resume_1", got.TextContents[1].Key)
	})

	t.Run("attach requires text", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/session/attach", map[string]any{
			"session_id":   sess.SessionID,
			"text_content": map[string]any{"key": "empty"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/session/attach", strings.NewReader("{"))
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("archive without archive configured", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/session/archive?session_id="+sess.SessionID, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("delete", func(t *testing.T) {
		w := s.do(t, http.MethodDelete, "/api/session/"+sess.SessionID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		w = s.do(t, http.MethodDelete, "/api/session/"+sess.SessionID, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		w = s.do(t, http.MethodGet, "/api/session/get?session_id="+sess.SessionID, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

// =============================================================================
// Evaluation Endpoints
// =============================================================================

func TestStartEvaluation(t *testing.T) {
	gate := make(chan struct{})
	s := newTestServer(t, []producer.Producer{&stubProducer{kind: producer.KindModel, gate: gate}}, 0)
	sess := s.createSession(t)

	w := s.do(t, http.MethodPost, "/api/evaluate/start", map[string]any{"session_id": sess.SessionID})
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = s.do(t, http.MethodPost, "/api/evaluate/start", map[string]any{"session_id": sess.SessionID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"evaluation already in progress"}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/evaluate/start", map[string]any{"session_id": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/evaluate/start", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	close(gate)
}

func TestStreamEvaluation_SSE(t *testing.T) {
	s := newTestServer(t, scenario(), 0)
	server := httptest.NewServer(s.router)
	defer server.Close()

	sess := s.createSession(t)
	require.Equal(t, http.StatusAccepted,
		s.do(t, http.MethodPost, "/api/evaluate/start", map[string]any{"session_id": sess.SessionID}).Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, server.URL+"/api/evaluate/stream?session_id="+sess.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readRound(t, bufio.NewReader(resp.Body))
	require.Len(t, frames, 5)
	assert.Equal(t, string(datatypes.EventEvaluationStart), frames[0].event)
	for i, f := range frames {
		assert.Equal(t, strconv.Itoa(i+1), f.id)
	}

	total := 0
	for _, f := range frames[1:4] {
		assert.Equal(t, string(datatypes.EventEvidence), f.event)
		var ev datatypes.Evidence
		require.NoError(t, json.Unmarshal([]byte(f.data), &ev))
		assert.Positive(t, ev.ID)
		assert.True(t, ev.Valid)
		total += ev.Score
	}
	assert.Equal(t, 47, total)

	got := decodeSession(t, s.do(t, http.MethodGet, "/api/session/get?session_id="+sess.SessionID, nil))
	assert.Len(t, got.EvidenceList, 3)
	assert.Equal(t, 47, got.TotalScore)
	assert.False(t, got.EvaluationInProgress)
}

func TestStreamEvaluation_ResumesFromLastEventID(t *testing.T) {
	s := newTestServer(t, scenario(), 0)
	server := httptest.NewServer(s.router)
	defer server.Close()

	sess := s.createSession(t)
	require.NoError(t, s.engine.Start(context.Background(), sess.SessionID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first := readRound(t, bufio.NewReader(
		openStream(t, ctx, server.URL+"/api/evaluate/stream?session_id="+sess.SessionID, nil).Body))
	require.Len(t, first, 5)

	header := http.Header{}
	header.Set("Last-Event-ID", "2")
	resumed := readRound(t, bufio.NewReader(
		openStream(t, ctx, server.URL+"/api/evaluate/stream?session_id="+sess.SessionID, header).Body))

	require.Len(t, resumed, 3)
	assert.Equal(t, "3", resumed[0].id)
	assert.Equal(t, first[2].data, resumed[0].data)
}

func TestStreamEvaluation_PostBody(t *testing.T) {
	s := newTestServer(t, scenario(), 0)
	server := httptest.NewServer(s.router)
	defer server.Close()

	sess := s.createSession(t)
	require.NoError(t, s.engine.Start(context.Background(), sess.SessionID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.URL+"/api/evaluate/stream",
		strings.NewReader(`{"session_id":"`+sess.SessionID+`"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, readRound(t, bufio.NewReader(resp.Body)), 5)
}

func TestStreamEvaluation_Errors(t *testing.T) {
	s := newTestServer(t, nil, 0)

	w := s.do(t, http.MethodGet, "/api/evaluate/stream?session_id=missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/evaluate/stream", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamEvaluation_EndsOnTeardown(t *testing.T) {
	s := newTestServer(t, nil, 0)
	server := httptest.NewServer(s.router)
	defer server.Close()
	sess := s.createSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, server.URL+"/api/evaluate/stream?session_id="+sess.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/session/"+sess.SessionID, nil).Code)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: error")
	assert.Contains(t, string(body), "session closed")
}

func TestStreamEvaluation_KeepAlive(t *testing.T) {
	s := newTestServer(t, nil, 20*time.Millisecond)
	server := httptest.NewServer(s.router)
	defer server.Close()
	sess := s.createSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, server.URL+"/api/evaluate/stream?session_id="+sess.SessionID, nil)

	f, err := readFrame(bufio.NewReader(resp.Body))
	require.NoError(t, err)
	assert.True(t, f.comment)
}

// lateWriteRecorder counts writes that arrive after the handler returned.
type lateWriteRecorder struct {
	*httptest.ResponseRecorder
	mu       sync.Mutex
	returned bool
	late     int
}

func (r *lateWriteRecorder) note() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.returned {
		r.late++
	}
}

func (r *lateWriteRecorder) Write(p []byte) (int, error) {
	r.note()
	return r.ResponseRecorder.Write(p)
}

func (r *lateWriteRecorder) WriteString(s string) (int, error) {
	r.note()
	return r.ResponseRecorder.WriteString(s)
}

func (r *lateWriteRecorder) markReturned() {
	r.mu.Lock()
	r.returned = true
	r.mu.Unlock()
}

func (r *lateWriteRecorder) lateWrites() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.late
}

func TestStreamEvaluation_NoKeepAliveAfterReturn(t *testing.T) {
	s := newTestServer(t, nil, time.Millisecond)
	sess := s.createSession(t)
	h := NewEvaluateHandler(s.engine, nil, time.Millisecond)

	for i := 0; i < 20; i++ {
		rec := &lateWriteRecorder{ResponseRecorder: httptest.NewRecorder()}
		c, _ := gin.CreateTestContext(rec)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		c.Request = httptest.NewRequest(http.MethodGet,
			"/api/evaluate/stream?session_id="+sess.SessionID, nil).WithContext(ctx)

		h.StreamEvaluation(c)
		rec.markReturned()
		cancel()

		time.Sleep(5 * time.Millisecond)
		assert.Zero(t, rec.lateWrites(), "iteration %d", i)
	}
}

func TestUpdateEvidence(t *testing.T) {
	s := newTestServer(t, scenario(), 0)
	server := httptest.NewServer(s.router)
	defer server.Close()

	sess := s.createSession(t)
	require.NoError(t, s.engine.Start(context.Background(), sess.SessionID))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reader := bufio.NewReader(
		openStream(t, ctx, server.URL+"/api/evaluate/stream?session_id="+sess.SessionID, nil).Body)
	frames := readRound(t, reader)

	var target datatypes.Evidence
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &target))

	t.Run("missing valid", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/session/evidence", map[string]any{
			"session_id": sess.SessionID, "evidence_id": target.ID,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown evidence", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/session/evidence", map[string]any{
			"session_id": sess.SessionID, "evidence_id": 99, "valid": false,
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.JSONEq(t, `{"error":"evidence not found"}`, w.Body.String())
	})

	t.Run("invalidate dispatches re-evaluation", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/session/evidence", map[string]any{
			"session_id":        sess.SessionID,
			"evidence_id":       target.ID,
			"valid":             false,
			"invalidate_reason": "wrong document",
		})
		require.Equal(t, http.StatusOK, w.Code)
		got := decodeSession(t, w)
		updated, ok := got.FindEvidence(target.ID)
		require.True(t, ok)
		assert.False(t, updated.Valid)
		assert.Equal(t, "wrong document", updated.InvalidateReason)
		assert.Equal(t, 47-target.Score, got.TotalScore)

		f, err := readFrame(reader)
		require.NoError(t, err)
		assert.Equal(t, "6", f.id)
		var re datatypes.Evidence
		require.NoError(t, json.Unmarshal([]byte(f.data), &re))
		assert.Equal(t, datatypes.ReevaluationSource(target.ID), re.Source)
		assert.Equal(t, -3, re.Score)
	})
}

func TestStreamWebSocket(t *testing.T) {
	s := newTestServer(t, scenario(), 0)
	server := httptest.NewServer(s.router)
	defer server.Close()

	sess := s.createSession(t)
	require.NoError(t, s.engine.Start(context.Background(), sess.SessionID))

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/evaluate/ws?session_id=" + sess.SessionID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var items []datatypes.Evidence
	for {
		var ev datatypes.Evidence
		require.NoError(t, ws.ReadJSON(&ev))
		items = append(items, ev)
		if ev.EventType == datatypes.EventEvaluationComplete {
			break
		}
	}
	require.Len(t, items, 5)
	assert.Equal(t, datatypes.EventEvaluationStart, items[0].EventType)
	assert.Equal(t, 47, datatypes.SumValidScores(items))
}

func TestStreamWebSocket_UnknownSession(t *testing.T) {
	s := newTestServer(t, nil, 0)
	w := s.do(t, http.MethodGet, "/api/evaluate/ws?session_id=missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResumeOffset(t *testing.T) {
	assert.Equal(t, 0, resumeOffset(""))
	assert.Equal(t, 0, resumeOffset("abc"))
	assert.Equal(t, 0, resumeOffset("-4"))
	assert.Equal(t, 7, resumeOffset(" 7 "))
}
