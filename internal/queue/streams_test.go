package queue

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/bulkupload-back/internal/domain"
)

func TestStreamEntryKeepsRetryAttempt(t *testing.T) {
	requestedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	values, err := encodeStreamEntry(domain.QueueMessage{
		JobID:       "job-1",
		ObjectType:  domain.ObjectTypeOrganisation,
		Attempt:     2,
		RequestedAt: requestedAt,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if values[streamFieldJobID] != "job-1" {
		t.Fatalf("expected job id at top level, got %v", values)
	}

	message, err := decodeStreamEntry(redis.XMessage{ID: "1-0", Values: values})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if message.Attempt != 2 || !message.RequestedAt.Equal(requestedAt) || message.ObjectType != domain.ObjectTypeOrganisation {
		t.Fatalf("unexpected decoded message %+v", message)
	}
}

func TestStreamEntryRejectsMalformedPayload(t *testing.T) {
	cases := map[string]map[string]any{
		"missing payload": {streamFieldJobID: "job-1"},
		"broken json":     {streamFieldPayload: "{"},
		"missing job id":  {streamFieldPayload: `{"attempt":1}`},
	}
	for name, values := range cases {
		if _, err := decodeStreamEntry(redis.XMessage{ID: "1-0", Values: values}); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}
