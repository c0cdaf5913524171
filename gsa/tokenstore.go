package gsa

import (
	"context"
	"fmt"

	"github.com/ruteri/supersign/interfaces"
)

// TokenStore persists the account AuthToken in a key-value store.
type TokenStore struct {
	storage interfaces.KeyValueStorage
}

func NewTokenStore(storage interfaces.KeyValueStorage) *TokenStore {
	return &TokenStore{storage: storage}
}

// Load returns the saved token, or interfaces.ErrNotFound.
func (s *TokenStore) Load(ctx context.Context) (*interfaces.AuthToken, error) {
	data, err := s.storage.Data(ctx, interfaces.KeyAuthToken)
	if err != nil {
		return nil, err
	}
	token, err := interfaces.ParseAuthToken(data)
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *TokenStore) Save(ctx context.Context, token *interfaces.AuthToken) error {
	data, err := token.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	return s.storage.SetData(ctx, interfaces.KeyAuthToken, data)
}

func (s *TokenStore) Clear(ctx context.Context) error {
	return s.storage.SetData(ctx, interfaces.KeyAuthToken, nil)
}
