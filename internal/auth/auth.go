// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth builds the OAuth 2.0 token source used to sign drive requests.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/drivefuse/drivefuse/internal/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Scopes requested when refreshing the access token.
var Scopes = []string{"Files.ReadWrite.All", "offline_access"}

// GetTokenSource returns a token source seeded from the token saved at
// tokenFile by a prior login. Refreshed tokens are written back to the file
// so that the next mount starts from a valid refresh token.
func GetTokenSource(
	ctx context.Context,
	clientID string,
	tokenFile string) (tokenSrc oauth2.TokenSource, err error) {
	tokenSrc, err = newTokenSourceFromPath(ctx, clientID, tokenFile, microsoft.AzureADEndpoint("common"))
	if err != nil {
		err = fmt.Errorf("newTokenSourceFromPath: %w", err)
		return
	}
	return
}

func readToken(path string) (*oauth2.Token, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ReadFile(%q): %w", path, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(contents, &tok); err != nil {
		return nil, fmt.Errorf("parse token in %q: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token file %q holds neither an access nor a refresh token", path)
	}
	return &tok, nil
}

// writeToken replaces the token file atomically.
func writeToken(path string, tok *oauth2.Token) error {
	contents, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*")
	if err != nil {
		return err
	}
	_, werr := tmp.Write(contents)
	cerr := tmp.Close()
	if err = errors.Join(werr, cerr); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func newTokenSourceFromPath(
	ctx context.Context,
	clientID string,
	path string,
	endpoint oauth2.Endpoint) (oauth2.TokenSource, error) {
	tok, err := readToken(path)
	if err != nil {
		return nil, err
	}

	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: endpoint,
		Scopes:   Scopes,
	}
	ps := &persistingTokenSource{
		wrapped: conf.TokenSource(ctx, tok),
		path:    path,
		last:    tok.AccessToken,
	}
	return oauth2.ReuseTokenSource(tok, ps), nil
}

// persistingTokenSource saves every newly minted token to disk.
type persistingTokenSource struct {
	wrapped oauth2.TokenSource
	path    string

	mu sync.Mutex
	// GUARDED_BY(mu)
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.wrapped.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := writeToken(s.path, tok); err != nil {
			// The token is still usable for this mount.
			logger.Warnf("Saving refreshed token to %q: %v", s.path, err)
		}
	}
	return tok, nil
}
