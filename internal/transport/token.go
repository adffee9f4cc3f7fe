package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenExpiry is how long a device token is accepted by the collector.
	TokenExpiry = 5 * time.Minute

	// Issuer identifies tokens minted by devices.
	Issuer = "devicelog"
)

// Claims are the claims of a device token.
type Claims struct {
	jwt.RegisteredClaims
	AppID    string `json:"app_id"`
	UnionID  string `json:"union_id,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// signDeviceToken mints a short lived HS256 token naming the device as subject.
func signDeviceToken(secret []byte, audience, appID, unionID, deviceID, platform string, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   deviceID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiry)),
		},
		AppID:    appID,
		UnionID:  unionID,
		Platform: platform,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return token, nil
}
