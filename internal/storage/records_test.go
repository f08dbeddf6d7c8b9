package storage

import (
	"context"
	"testing"
	"time"

	"testgen_pipeline/pkg"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func recordStores(t *testing.T) map[string]RecordStore {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]RecordStore{
		"memory": NewMemoryRecordStore(),
		"redis":  NewRedisRecordStore(client, time.Hour),
	}
}

func TestRecordsAppendAndList(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for attempt := 1; attempt <= 3; attempt++ {
				status := pkg.ExecSuccess
				if attempt == 1 {
					status = pkg.ExecFailure
				}
				err := store.AddRecord(ctx, &pkg.NodeExecutionRecord{
					SessionID: "s1",
					NodeName:  "generate_final_testcases",
					Attempt:   attempt,
					Status:    status,
					Duration:  10 * time.Millisecond,
					CreatedAt: time.Now().UTC(),
				})
				require.NoError(t, err)
			}

			records, err := store.Records(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, records, 3)
			require.Equal(t, pkg.ExecFailure, records[0].Status)
			require.Equal(t, 3, records[2].Attempt)

			other, err := store.Records(ctx, "s2")
			require.NoError(t, err)
			require.Empty(t, other)
		})
	}
}

func TestRecordRequiresIdentity(t *testing.T) {
	store := NewMemoryRecordStore()
	err := store.AddRecord(context.Background(), &pkg.NodeExecutionRecord{NodeName: "n"})
	require.Error(t, err)
}
