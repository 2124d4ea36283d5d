package queue

import (
	"context"
	"testing"
	"time"
)

func TestReportQueueRoundTrip(t *testing.T) {
	rdb, _ := newTestRedis(t)
	q := NewReportQueue(rdb, "modbot:reports", "moderators", "worker-1", 10*time.Millisecond)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	job := ReportJob{
		ChatID:     100,
		ChatTitle:  "test chat",
		ReporterID: 7,
		TargetID:   9,
		MessageID:  42,
	}
	if _, err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0].Job
	if got.ChatID != 100 || got.TargetID != 9 || got.MessageID != 42 {
		t.Fatalf("unexpected job %+v", got)
	}
	if got.JobID == "" {
		t.Fatalf("enqueue must assign a job id")
	}
	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}
