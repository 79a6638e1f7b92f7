package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/stretchr/testify/require"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/services/bus"
)

type fakePipeline struct {
	importID string
	err      error
}

func (f *fakePipeline) Run(_ context.Context, importID string) error {
	f.importID = importID
	return f.err
}

type fakeStatus struct {
	attrs map[string]string
	err   error
}

func (f *fakeStatus) Apply(_ context.Context, attrs map[string]string) error {
	f.attrs = attrs
	return f.err
}

func newTestDispatcher(pipeline *fakePipeline, status *fakeStatus) *Dispatcher {
	return New(logger.NOP, stats.NOP, pipeline, status)
}

func TestDispatchRouting(t *testing.T) {
	t.Run("translate extracts the import id", func(t *testing.T) {
		pipeline := &fakePipeline{}
		d := newTestDispatcher(pipeline, &fakeStatus{})

		got := d.Dispatch(context.Background(), bus.Attributes{"action": "translate", "importId": "imp-1"})
		require.Equal(t, StatusAck, got)
		require.Equal(t, "imp-1", pipeline.importID)
	})

	t.Run("keys are normalized to snake_case once", func(t *testing.T) {
		status := &fakeStatus{}
		d := newTestDispatcher(&fakePipeline{}, status)

		got := d.Dispatch(context.Background(), bus.Attributes{
			"action":       "status",
			"importId":     "imp-1",
			"newStatus":    "Done",
			"snapshotId":   "snap-1",
			"errorMessage": "boom",
		})
		require.Equal(t, StatusAck, got)
		require.Equal(t, map[string]string{
			"action":        "status",
			"import_id":     "imp-1",
			"new_status":    "Done",
			"snapshot_id":   "snap-1",
			"error_message": "boom",
		}, status.attrs)
	})

	t.Run("snake_case input passes through unchanged", func(t *testing.T) {
		status := &fakeStatus{}
		d := newTestDispatcher(&fakePipeline{}, status)

		d.Dispatch(context.Background(), bus.Attributes{"action": "status", "import_id": "imp-1", "new_status": "Done"})
		require.Equal(t, "imp-1", status.attrs["import_id"])
	})

	t.Run("unknown action is dropped with an ack", func(t *testing.T) {
		d := newTestDispatcher(&fakePipeline{}, &fakeStatus{})
		require.Equal(t, StatusAckWithError, d.Dispatch(context.Background(), bus.Attributes{"action": "reticulate"}))
	})

	t.Run("missing action is dropped with an ack", func(t *testing.T) {
		d := newTestDispatcher(&fakePipeline{}, &fakeStatus{})
		require.Equal(t, StatusAckWithError, d.Dispatch(context.Background(), bus.Attributes{"importId": "imp-1"}))
	})
}

func TestDispatchAckMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, StatusAck},
		{"system errors redeliver", imperr.New(imperr.System, "db down"), StatusNotOK},
		{"terminal status change redelivers", imperr.New(imperr.TerminalStatusChange, "row frozen"), StatusNotOK},
		{"illegal status change redelivers", imperr.New(imperr.IllegalStatusChange, "backwards"), StatusNotOK},
		{"translation failures ack", imperr.New(imperr.FileTranslation, "bad avro"), StatusAckWithError},
		{"duplicate delivery acks", imperr.New(imperr.Conflict, "already owned"), StatusAckWithError},
		{"untyped errors never redeliver", errors.New("nil map write"), StatusAckWithError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDispatcher(&fakePipeline{err: tc.err}, &fakeStatus{})
			got := d.Dispatch(context.Background(), bus.Attributes{"action": "translate", "importId": "imp-1"})
			require.Equal(t, tc.want, got)
		})
	}
}
