package js

import (
	"context"
	"errors"
	"testing"

	"github.com/grafana/sobek"
	"github.com/shiroyk/esmgraph/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("main", func(t *testing.T) {
		ns, err := RunMain(context.Background(), "file:///main.js", []byte(`export default 1 + 1`),
			WithLoader(loader.NewStatic()))
		require.NoError(t, err)
		assert.Equal(t, int64(2), ns.Get("default").ToInteger())
	})

	t.Run("string", func(t *testing.T) {
		value, err := RunString(context.Background(), `Promise.resolve("done")`)
		require.NoError(t, err)
		result, err := Unwrap(value)
		require.NoError(t, err)
		assert.Equal(t, "done", result)
	})

	t.Run("function", func(t *testing.T) {
		err := Run(context.Background(), func(rt *sobek.Runtime) error {
			_, err := rt.RunString(`throw new Error("from script")`)
			return err
		})
		var ex *sobek.Exception
		require.ErrorAs(t, err, &ex)
		assert.Contains(t, ex.Error(), "from script")
	})

	t.Run("enqueue", func(t *testing.T) {
		var order []string
		err := Run(context.Background(), func(rt *sobek.Runtime) error {
			enqueue := EnqueueJob(rt)
			Cleanup(rt, func() { order = append(order, "cleanup") })
			go enqueue(func() error {
				order = append(order, "job")
				return errors.New("job failed")
			})
			order = append(order, "task")
			return nil
		})
		assert.ErrorContains(t, err, "job failed")
		assert.Equal(t, []string{"task", "job", "cleanup"}, order)
	})
}
