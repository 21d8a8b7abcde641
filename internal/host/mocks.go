package host

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockExecutor is a mock implementation of the Executor interface.
// Expectations are matched on the argv as a single []string.
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, cmd Command) (Result, error) {
	args := m.Called(cmd.Argv, cmd.Input)
	res, _ := args.Get(0).(Result)
	return res, args.Error(1)
}
