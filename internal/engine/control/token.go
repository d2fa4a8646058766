// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package control implements the step control plane: the token-authenticated
// surface through which the in-container control process reports status,
// logs and heartbeats back to the engine.
package control

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lazyaf/lazyaf/internal/engine/clock"
	"github.com/lazyaf/lazyaf/internal/engine/enginerr"
)

// StepClaims is the JWT payload of a step token. The token is scoped to one
// step execution; possessing it authorizes reporting for that execution only.
type StepClaims struct {
	StepExecutionID string `json:"step_execution_id"`
	RunID           string `json:"run_id"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies step tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	clk    clock.Clock
}

// NewTokenManager creates a token manager. An empty secret is refused; a
// guessable step token would let any container impersonate any step.
func NewTokenManager(secret string, ttl time.Duration, clk clock.Clock) (*TokenManager, error) {
	if secret == "" {
		return nil, fmt.Errorf("step token secret must not be empty")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, clk: clk}, nil
}

// Issue creates a signed token for one step execution.
func (tm *TokenManager) Issue(stepExecutionID, runID string) (string, error) {
	now := tm.clk.Now()
	claims := StepClaims{
		StepExecutionID: stepExecutionID,
		RunID:           runID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   stepExecutionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
			Issuer:    "lazyaf-engine",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign step token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (tm *TokenManager) Verify(tokenString string) (*StepClaims, error) {
	claims := &StepClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.secret, nil
	}, jwt.WithTimeFunc(tm.clk.Now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, enginerr.Wrap(enginerr.KindUnauthorized, err, "invalid step token")
	}
	if !token.Valid || claims.StepExecutionID == "" {
		return nil, enginerr.New(enginerr.KindUnauthorized, "invalid step token")
	}
	return claims, nil
}
