package orchestrator

import (
	"fmt"
	"testing"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestBuilder() *Builder {
	b := NewBuilder(domain.DefaultTaskTypes())
	n := 0
	b.newID = func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}
	return b
}

func TestCreateTask(t *testing.T) {
	exec := domain.NewExecution("exec-1", domain.ExecutionTypeMigration)
	b := newTestBuilder()

	first, err := b.CreateTask(exec, "vm-1", domain.TaskTypeDeploySourceResources)
	require.NoError(t, err)
	assert.Equal(t, "task-1", first.ID)
	assert.Equal(t, "exec-1", first.ExecutionID)
	assert.Equal(t, "vm-1", first.Instance)
	assert.Equal(t, domain.TaskTypeDeploySourceResources, first.TaskType)
	assert.Equal(t, domain.TaskStatusScheduled, first.Status)
	assert.Equal(t, 1, first.Index)
	assert.False(t, first.OnError)
	assert.Empty(t, first.DependsOn)

	second, err := b.CreateTask(exec, "vm-1", domain.TaskTypeDeleteSourceResources,
		DependsOn(first.ID, first.ID), OnError())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Index)
	assert.Equal(t, []string{first.ID}, second.DependsOn)
	assert.True(t, second.OnError)
	assert.Equal(t, domain.TaskStatusScheduled, second.Status)

	assert.Equal(t, []*domain.Task{first, second}, exec.Tasks)
}

func TestCreateTaskStatus(t *testing.T) {
	tests := []struct {
		name      string
		opts      []TaskOption
		want      domain.TaskStatus
		wantOnErr bool
	}{
		{
			name: "plain task",
			want: domain.TaskStatusScheduled,
		},
		{
			name: "dependency on a missing task",
			opts: []TaskOption{DependsOn("ghost")},
			want: domain.TaskStatusScheduled,
		},
		{
			name:      "error path with present dependencies",
			opts:      []TaskOption{DependsOn("task-1"), OnError()},
			want:      domain.TaskStatusScheduled,
			wantOnErr: true,
		},
		{
			name:      "error path with a pruned dependency",
			opts:      []TaskOption{DependsOn("task-1", "ghost"), OnError()},
			want:      domain.TaskStatusOnErrorOnly,
			wantOnErr: true,
		},
		{
			name:      "error path without dependencies",
			opts:      []TaskOption{OnError()},
			want:      domain.TaskStatusScheduled,
			wantOnErr: true,
		},
		{
			name:      "error only",
			opts:      []TaskOption{OnErrorOnly()},
			want:      domain.TaskStatusOnErrorOnly,
			wantOnErr: true,
		},
		{
			name:      "error only wins over present dependencies",
			opts:      []TaskOption{DependsOn("task-1"), OnErrorOnly()},
			want:      domain.TaskStatusOnErrorOnly,
			wantOnErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := domain.NewExecution("exec-1", domain.ExecutionTypeMigration)
			b := newTestBuilder()
			_, err := b.CreateTask(exec, "vm-1", domain.TaskTypeGetInstanceInfo)
			require.NoError(t, err)

			task, err := b.CreateTask(exec, "vm-1", domain.TaskTypeValidateSourceInputs, tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, task.Status)
			assert.Equal(t, tt.wantOnErr, task.OnError)
		})
	}
}

func TestCreateTaskUnknownType(t *testing.T) {
	exec := domain.NewExecution("exec-1", domain.ExecutionTypeMigration)

	_, err := newTestBuilder().CreateTask(exec, "vm-1", "defragment_disks")
	assert.True(t, errors.Is(err, domain.ErrInvalidTaskType))
	assert.Empty(t, exec.Tasks)
}

func TestCreateTaskProperties(t *testing.T) {
	types := domain.DefaultTaskTypes().Types()

	rapid.Check(t, func(t *rapid.T) {
		exec := domain.NewExecution("exec-prop", domain.ExecutionTypeMigration)
		b := newTestBuilder()
		n := rapid.IntRange(1, 20).Draw(t, "tasks")

		for i := 0; i < n; i++ {
			spec := rapid.SampledFrom(types).Draw(t, "type")
			var opts []TaskOption
			deps := rapid.SliceOfN(rapid.IntRange(0, i+1), 0, 3).Draw(t, "deps")
			for _, d := range deps {
				// i+1 refers to a task that does not exist
				opts = append(opts, DependsOn(fmt.Sprintf("task-%d", d+1)))
			}
			onError := rapid.Bool().Draw(t, "on_error")
			if onError {
				opts = append(opts, OnError())
			}
			onErrorOnly := rapid.Bool().Draw(t, "on_error_only")
			if onErrorOnly {
				opts = append(opts, OnErrorOnly())
			}

			task, err := b.CreateTask(exec, "vm-1", spec.Name, opts...)
			if err != nil {
				t.Fatalf("create task: %v", err)
			}

			if task.Index != i+1 {
				t.Fatalf("index %d, want %d", task.Index, i+1)
			}
			if onErrorOnly && (task.Status != domain.TaskStatusOnErrorOnly || !task.OnError) {
				t.Fatalf("error-only task got status %s on_error=%v", task.Status, task.OnError)
			}
			if !onError && !onErrorOnly && task.Status != domain.TaskStatusScheduled {
				t.Fatalf("normal task got status %s", task.Status)
			}
			if !task.Status.IsPending() {
				t.Fatalf("new task is not pending: %s", task.Status)
			}

			seen := map[string]bool{}
			for _, d := range task.DependsOn {
				if seen[d] {
					t.Fatalf("duplicate dependency %s", d)
				}
				seen[d] = true
			}
		}

		if len(exec.Tasks) != n {
			t.Fatalf("execution has %d tasks, want %d", len(exec.Tasks), n)
		}
	})
}
