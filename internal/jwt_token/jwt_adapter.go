package jwttoken

import (
	"veriflow/internal/platform/middleware"
)

// Validator adapts JWTService to the auth middleware contract.
type Validator struct {
	svc *JWTService
}

func NewValidator(svc *JWTService) *Validator {
	return &Validator{svc: svc}
}

func (v *Validator) ValidateToken(tokenString string) (*middleware.JWTClaims, error) {
	claims, err := v.svc.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &middleware.JWTClaims{
		OperatorID: claims.OperatorID,
		BoothID:    claims.BoothID,
	}, nil
}
