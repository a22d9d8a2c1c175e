package bitcoin

import (
	"context"
	"errors"
)

// MockDaemon is a scripted Daemon for testing
type MockDaemon struct {
	ShouldError bool
	ErrorMsg    string

	Valid      bool
	Reject     bool
	BlockCount int64

	Submitted []string
	Closed    bool
}

func (m *MockDaemon) ValidateAddress(_ context.Context, _ string) (bool, error) {
	if m.ShouldError {
		return false, errors.New(m.ErrorMsg)
	}
	return m.Valid, nil
}

func (m *MockDaemon) SubmitBlock(_ context.Context, blockHex string) error {
	m.Submitted = append(m.Submitted, blockHex)
	if m.ShouldError {
		return errors.New(m.ErrorMsg)
	}
	if m.Reject {
		return errors.New("rejected")
	}
	return nil
}

func (m *MockDaemon) GetBlockCount(_ context.Context) (int64, error) {
	if m.ShouldError {
		return 0, errors.New(m.ErrorMsg)
	}
	return m.BlockCount, nil
}

func (m *MockDaemon) Ping(_ context.Context) error {
	if m.ShouldError {
		return errors.New(m.ErrorMsg)
	}
	return nil
}

func (m *MockDaemon) Close() { m.Closed = true }
