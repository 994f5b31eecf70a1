package orchestrator

import (
	"fmt"
	"os"
	"testing"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"pgregory.net/rapid"
)

type sanityCase struct {
	Name  string   `yaml:"name"`
	Error string   `yaml:"error"`
	Stuck []string `yaml:"stuck"`
	Plan  `yaml:",inline"`
}

func loadSanityCases(t *testing.T) []sanityCase {
	t.Helper()

	data, err := os.ReadFile("testdata/sanity.yaml")
	require.NoError(t, err)

	var doc struct {
		Cases []sanityCase `yaml:"cases"`
	}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	require.NotEmpty(t, doc.Cases)
	return doc.Cases
}

func TestCheckExecutionTasksSanity(t *testing.T) {
	v := NewValidator(domain.DefaultTaskTypes())

	for _, tc := range loadSanityCases(t) {
		t.Run(tc.Name, func(t *testing.T) {
			tc.Execution.Normalize()

			err := v.CheckExecutionTasksSanity(tc.Execution, tc.InitialTaskInfo)
			if tc.Error == "" {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			assert.Equal(t, tc.Error, validationErrorKind(err), "unexpected error: %v", err)
			assert.True(t, domain.IsValidationError(err))

			if tc.Stuck != nil {
				var deadlock *domain.ExecutionDeadlockError
				require.True(t, errors.As(err, &deadlock))
				assert.Equal(t, tc.Stuck, deadlock.TaskIDs)
				assert.Equal(t, tc.Execution.ID, deadlock.ExecutionID)
			}
		})
	}
}

func TestCheckExecutionTasksSanityReportsDetails(t *testing.T) {
	v := NewValidator(domain.DefaultTaskTypes())

	t.Run("missing parameters", func(t *testing.T) {
		exec := domain.NewExecution("exec-1", domain.ExecutionTypeReplicaExecution)
		exec.Tasks = []*domain.Task{{ID: "t1", Instance: "vm-1", TaskType: domain.TaskTypeDeployReplicaDisks}}
		exec.Normalize()

		err := v.CheckExecutionTasksSanity(exec, domain.TaskInfo{"vm-1": {"export_info": 1}})

		var params *domain.TaskParametersError
		require.True(t, errors.As(err, &params))
		assert.Equal(t, "t1", params.TaskID)
		assert.Equal(t, "vm-1", params.Instance)
		assert.Equal(t, []string{"target_environment"}, params.Missing)
	})

	t.Run("missing dependency", func(t *testing.T) {
		exec := domain.NewExecution("exec-1", domain.ExecutionTypeMigration)
		exec.Tasks = []*domain.Task{{ID: "t1", Instance: "vm-1", TaskType: domain.TaskTypeGetInstanceInfo, DependsOn: []string{"ghost"}}}
		exec.Normalize()

		err := v.CheckExecutionTasksSanity(exec, nil)

		var dep *domain.TaskDependencyError
		require.True(t, errors.As(err, &dep))
		assert.Equal(t, "t1", dep.TaskID)
		assert.Equal(t, "ghost", dep.DependencyID)
	})

	t.Run("field conflict", func(t *testing.T) {
		exec := domain.NewExecution("exec-1", domain.ExecutionTypeMigration)
		exec.Tasks = []*domain.Task{
			{ID: "t1", Instance: "vm-1", TaskType: domain.TaskTypeGetInstanceInfo},
			{ID: "t2", Instance: "vm-1", TaskType: domain.TaskTypeGetInstanceInfo},
		}
		exec.Normalize()

		err := v.CheckExecutionTasksSanity(exec, domain.TaskInfo{"vm-1": {"source_environment": 1}})

		var conflict *domain.TaskFieldsConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "export_info", conflict.Field)
		assert.Equal(t, [2]string{"t1", "t2"}, conflict.TaskIDs)
	})

	t.Run("unknown task type", func(t *testing.T) {
		exec := domain.NewExecution("exec-1", domain.ExecutionTypeMigration)
		exec.Tasks = []*domain.Task{{ID: "t1", Instance: "vm-1", TaskType: "defragment_disks"}}
		exec.Normalize()

		err := v.CheckExecutionTasksSanity(exec, nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidTaskType))
	})

	t.Run("nil execution", func(t *testing.T) {
		err := v.CheckExecutionTasksSanity(nil, nil)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})
}

func TestCheckExecutionTasksSanityDoesNotModifyExecution(t *testing.T) {
	v := NewValidator(domain.DefaultTaskTypes())

	for _, tc := range loadSanityCases(t) {
		t.Run(tc.Name, func(t *testing.T) {
			tc.Execution.Normalize()
			before := tc.Execution.Clone()

			first := v.CheckExecutionTasksSanity(tc.Execution, tc.InitialTaskInfo)
			second := v.CheckExecutionTasksSanity(tc.Execution, tc.InitialTaskInfo)

			assert.Equal(t, fmt.Sprint(first), fmt.Sprint(second))
			require.Len(t, tc.Execution.Tasks, len(before.Tasks))
			for i, task := range tc.Execution.Tasks {
				assert.Equal(t, before.Tasks[i].Status, task.CurrentStatus())
				assert.Equal(t, before.Tasks[i].DependsOn, task.DependsOn)
			}
		})
	}
}

// chainGen builds executions of validate_source_inputs tasks whose
// dependencies only point at earlier tasks.
func chainGen(t *rapid.T) *domain.Execution {
	n := rapid.IntRange(1, 12).Draw(t, "tasks")
	exec := domain.NewExecution("exec-prop", domain.ExecutionTypeMigration)
	for i := 0; i < n; i++ {
		task := &domain.Task{
			ID:       fmt.Sprintf("t%d", i),
			Instance: "vm-1",
			TaskType: domain.TaskTypeValidateSourceInputs,
		}
		for j := 0; j < i; j++ {
			if rapid.Bool().Draw(t, fmt.Sprintf("edge-%d-%d", j, i)) {
				task.DependsOn = append(task.DependsOn, fmt.Sprintf("t%d", j))
			}
		}
		exec.Tasks = append(exec.Tasks, task)
	}
	exec.Normalize()
	return exec
}

func TestSanityAcyclicGraphsPass(t *testing.T) {
	v := NewValidator(domain.DefaultTaskTypes())
	info := domain.TaskInfo{"vm-1": {"source_environment": map[string]any{}}}

	rapid.Check(t, func(t *rapid.T) {
		exec := chainGen(t)
		if err := v.CheckExecutionTasksSanity(exec, info); err != nil {
			t.Fatalf("acyclic graph rejected: %v", err)
		}
	})
}

func TestSanityBackEdgeDeadlocks(t *testing.T) {
	v := NewValidator(domain.DefaultTaskTypes())
	info := domain.TaskInfo{"vm-1": {"source_environment": map[string]any{}}}

	rapid.Check(t, func(t *rapid.T) {
		exec := chainGen(t)
		n := len(exec.Tasks)
		from := rapid.IntRange(0, n-1).Draw(t, "from")
		to := rapid.IntRange(from, n-1).Draw(t, "to")

		// close a cycle from -> from+1 -> ... -> to -> from
		for i := from + 1; i <= to; i++ {
			exec.Tasks[i].DependsOn = append(exec.Tasks[i].DependsOn, exec.Tasks[i-1].ID)
		}
		exec.Tasks[from].DependsOn = append(exec.Tasks[from].DependsOn, exec.Tasks[to].ID)

		err := v.CheckExecutionTasksSanity(exec, info)
		var deadlock *domain.ExecutionDeadlockError
		if !errors.As(err, &deadlock) {
			t.Fatalf("expected deadlock, got %v", err)
		}
		stuck := make(map[string]bool, len(deadlock.TaskIDs))
		for _, id := range deadlock.TaskIDs {
			stuck[id] = true
		}
		for i := from; i <= to; i++ {
			if !stuck[exec.Tasks[i].ID] {
				t.Fatalf("task %s on the cycle not reported: %v", exec.Tasks[i].ID, deadlock.TaskIDs)
			}
		}
	})
}

// runToEnd completes every task Advance hands out until nothing is left
func runToEnd(t *testing.T, exec *domain.Execution) {
	t.Helper()
	for i := 0; i < len(exec.Tasks)+1; i++ {
		ready := exec.Advance(domain.DefaultTaskTypes())
		if len(ready) == 0 {
			return
		}
		for _, task := range ready {
			require.NoError(t, task.TransitionTo(domain.TaskStatusCompleted, ""))
		}
	}
}

func TestSanityCheckAgreesWithProgression(t *testing.T) {
	taskTypes := domain.DefaultTaskTypes()
	b := NewBuilder(taskTypes)
	v := NewValidator(taskTypes)
	initial := domain.TaskInfo{"vm-1": {"source_environment": map[string]any{}}}

	t.Run("error path task waiting on an error-only task", func(t *testing.T) {
		exec := domain.NewExecution("exec-1", domain.ExecutionTypeMigration)
		first, err := b.CreateTask(exec, "vm-1", domain.TaskTypeValidateSourceInputs)
		require.NoError(t, err)
		errorOnly, err := b.CreateTask(exec, "vm-1", domain.TaskTypeValidateSourceInputs, DependsOn(first.ID), OnErrorOnly())
		require.NoError(t, err)
		waiting, err := b.CreateTask(exec, "vm-1", domain.TaskTypeValidateSourceInputs, DependsOn(errorOnly.ID), OnError())
		require.NoError(t, err)
		require.Equal(t, domain.TaskStatusScheduled, waiting.Status)

		err = v.CheckExecutionTasksSanity(exec, initial)
		var deadlock *domain.ExecutionDeadlockError
		require.True(t, errors.As(err, &deadlock), "unexpected error: %v", err)
		assert.Equal(t, []string{waiting.ID}, deadlock.TaskIDs)

		// The graph the check rejects indeed stalls on the success path
		exec.TaskInfo = initial
		runToEnd(t, exec)
		assert.Equal(t, domain.ExecutionStatusUnexecuted, exec.Status)
		assert.Equal(t, domain.TaskStatusScheduled, waiting.CurrentStatus())
	})

	t.Run("error-only chain", func(t *testing.T) {
		exec := domain.NewExecution("exec-2", domain.ExecutionTypeMigration)
		first, err := b.CreateTask(exec, "vm-1", domain.TaskTypeValidateSourceInputs)
		require.NoError(t, err)
		errorOnly, err := b.CreateTask(exec, "vm-1", domain.TaskTypeValidateSourceInputs, DependsOn(first.ID), OnErrorOnly())
		require.NoError(t, err)
		_, err = b.CreateTask(exec, "vm-1", domain.TaskTypeValidateSourceInputs, DependsOn(errorOnly.ID), OnErrorOnly())
		require.NoError(t, err)

		require.NoError(t, v.CheckExecutionTasksSanity(exec, initial))

		exec.TaskInfo = initial
		runToEnd(t, exec)
		assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status)
	})

	t.Run("planned executions finish", func(t *testing.T) {
		for _, typ := range []domain.ExecutionType{domain.ExecutionTypeMigration, domain.ExecutionTypeReplicaExecution} {
			exec := domain.NewExecution("exec-"+string(typ), typ)
			info, err := NewPlanner(b).Plan(exec, ExecutionRequest{
				Type:              typ,
				Instances:         []string{"vm-1"},
				SourceEnvironment: map[string]any{},
				TargetEnvironment: map[string]any{},
			})
			require.NoError(t, err)
			require.NoError(t, v.CheckExecutionTasksSanity(exec, info))

			exec.TaskInfo = info
			runToEnd(t, exec)
			assert.Equal(t, domain.ExecutionStatusCompleted, exec.Status, typ)
		}
	})
}
