package chat

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

type MockCredentialSource struct {
	mock.Mock
}

func (m *MockCredentialSource) Token() (string, bool) {
	args := m.Called()
	return args.String(0), args.Bool(1)
}

func (m *MockCredentialSource) Refresh(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

type MockHistoryFetcher struct {
	mock.Mock
}

func (m *MockHistoryFetcher) RoomHistory(ctx context.Context, roomID, page int) (types.MessagePage, error) {
	args := m.Called(ctx, roomID, page)
	return args.Get(0).(types.MessagePage), args.Error(1)
}
