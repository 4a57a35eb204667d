package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-pricing/internal/queue"
)

func TestDLQReplay(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemoryStore()
	handler := queue.AdminHandler{
		Store:             store,
		Queue:             queue.Enqueuer{R: client, Prefix: "adm", DedupTTL: time.Minute, MaxAttempts: 5},
		PageSize:          10,
		VisibilityTimeout: 60 * time.Second,
	}

	raw, err := json.Marshal(struct {
		Kind        string `json:"kind"`
		Key         string `json:"key"`
		Payload     []byte `json:"payload"`
		Attempt     int    `json:"attempt"`
		MaxAttempts int    `json:"max_attempts"`
		AvailableAt int64  `json:"available_at"`
	}{
		Kind:        "catalog.compile",
		Key:         "dlq1",
		Payload:     []byte("payload"),
		Attempt:     2,
		MaxAttempts: 3,
		AvailableAt: time.Now().UnixNano(),
	})
	require.NoError(t, err)

	entry := queue.DLQEntry{
		Kind:           "catalog.compile",
		IdempotencyKey: "dlq1",
		Payload:        raw,
		Attempts:       2,
		CreatedAt:      time.Now(),
	}
	id, err := store.InsertQueueDlq(context.Background(), entry)
	require.NoError(t, err)

	body := bytes.NewBufferString(`{"ids":["` + id.String() + `"]}`)
	req := httptest.NewRequest(http.MethodPost, "/admin/queue/dlq/replay", body)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	handler.ReplayDLQ(rr, req)

	res := rr.Result()
	require.Equal(t, http.StatusOK, res.StatusCode)
	defer func() { _ = res.Body.Close() }()

	var resp struct {
		Replayed []string          `json:"replayed"`
		Failed   map[string]string `json:"failed"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	require.Contains(t, resp.Replayed, id.String())
	require.Empty(t, resp.Failed)

	depth, err := client.ZCard(context.Background(), "adm:queue:catalog.compile").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	_, err = store.GetQueueDlq(context.Background(), id)
	require.ErrorIs(t, err, queue.ErrEntryNotFound)
}

func TestDLQListAndStats(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemoryStore()
	handler := &queue.AdminHandler{
		Store: store,
		Queue: queue.Enqueuer{R: client, Prefix: "stats"},
	}
	router := handler.Routes()

	raw := []byte(`{"kind":"catalog.compile","key":"k1","payload":"eyJwcm9kdWN0X2lkcyI6WzFdfQ==","attempt":3,"max_attempts":3}`)
	_, err = store.InsertQueueDlq(context.Background(), queue.DLQEntry{Kind: "catalog.compile", IdempotencyKey: "k1", Payload: raw, Attempts: 3})
	require.NoError(t, err)
	_, err = store.InsertQueueDlq(context.Background(), queue.DLQEntry{Kind: "catalog.compile", Payload: []byte("not json")})
	require.NoError(t, err)
	require.NoError(t, handler.Queue.Enqueue(context.Background(), queue.Task{Kind: "catalog.compile", Payload: []byte("{}")}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/dlq?kind=catalog.compile", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Data []struct {
			IdempotencyKey string `json:"idempotency_key"`
			Attempts       int    `json:"attempts"`
		} `json:"data"`
		Total int64 `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Equal(t, int64(2), list.Total)
	require.Len(t, list.Data, 1, "undecodable entries are skipped")
	require.Equal(t, "k1", list.Data[0].IdempotencyKey)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats?kind=catalog.compile", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var stats map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&stats))
	require.EqualValues(t, 1, stats["ready"])
	require.EqualValues(t, 2, stats["dlq"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
