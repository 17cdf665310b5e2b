// Package mocks holds testify mocks of the repository and event interfaces.
package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/repository"
)

var (
	_ repository.ConversationRepository = (*ConversationRepositoryMock)(nil)
	_ repository.ParticipantRepository  = (*ParticipantRepositoryMock)(nil)
	_ repository.MessageRepository      = (*MessageRepositoryMock)(nil)
	_ repository.ProfileRepository      = (*ProfileRepositoryMock)(nil)
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) Create(ctx context.Context, creatorID uuid.UUID, participantIDs []uuid.UUID, name *string, isGroup bool) (*models.Conversation, error) {
	args := m.Called(ctx, creatorID, participantIDs, name, isGroup)
	conv, _ := args.Get(0).(*models.Conversation)
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) FindDirect(ctx context.Context, a, b uuid.UUID) (*models.Conversation, error) {
	args := m.Called(ctx, a, b)
	conv, _ := args.Get(0).(*models.Conversation)
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	list, _ := args.Get(0).([]models.Conversation)
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) GetForUser(ctx context.Context, userID, conversationID uuid.UUID) (*models.Conversation, error) {
	args := m.Called(ctx, userID, conversationID)
	conv, _ := args.Get(0).(*models.Conversation)
	return conv, args.Error(1)
}

type ParticipantRepositoryMock struct {
	mock.Mock
}

func (m *ParticipantRepositoryMock) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ParticipantRepositoryMock) ListActive(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error) {
	args := m.Called(ctx, conversationID)
	list, _ := args.Get(0).([]models.Participant)
	return list, args.Error(1)
}

func (m *ParticipantRepositoryMock) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) Create(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error) {
	args := m.Called(ctx, conversationID, senderID, content)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	list, _ := args.Get(0).([]models.Message)
	return list, args.Error(1)
}

func (m *MessageRepositoryMock) GetRaw(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	args := m.Called(ctx, messageID)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) Update(ctx context.Context, conversationID, messageID, senderID uuid.UUID, content string) (*models.Message, error) {
	args := m.Called(ctx, conversationID, messageID, senderID, content)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) SoftDelete(ctx context.Context, conversationID, messageID, senderID uuid.UUID) (*models.Message, error) {
	args := m.Called(ctx, conversationID, messageID, senderID)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

type ProfileRepositoryMock struct {
	mock.Mock
}

func (m *ProfileRepositoryMock) GetByID(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	args := m.Called(ctx, userID)
	p, _ := args.Get(0).(*models.Profile)
	return p, args.Error(1)
}

func (m *ProfileRepositoryMock) CountExisting(ctx context.Context, ids []uuid.UUID) (int, error) {
	args := m.Called(ctx, ids)
	return args.Int(0), args.Error(1)
}
