package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DeviceAuthType = "device_auth"

var (
	ErrWrongGateway = errors.New("token bound to a different gateway")
	ErrWrongType    = errors.New("unexpected token type")
)

// DeviceClaims is the payload of a device_auth token: a device identity bound
// to a gateway identity, time-limited, HMAC-signed with the shared secret.
type DeviceClaims struct {
	DeviceID  string `json:"device_id"`
	GatewayID string `json:"gateway_id"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// UserClaims carries the user identity for the control-plane REST surface.
type UserClaims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func MintDeviceToken(deviceID, gatewayID string, cfg Config) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if deviceID == "" || gatewayID == "" {
		return "", errors.New("missing device or gateway id")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	now := time.Now()
	claims := DeviceClaims{
		DeviceID:  deviceID,
		GatewayID: gatewayID,
		Type:      DeviceAuthType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// VerifyDeviceToken checks signature, expiry and token type. gatewayID, when
// non-empty, must match the gateway identity baked into the token.
func VerifyDeviceToken(tokenString, gatewayID string, cfg Config) (*DeviceClaims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*DeviceClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Type != DeviceAuthType {
		return nil, ErrWrongType
	}
	if gatewayID != "" && claims.GatewayID != gatewayID {
		return nil, ErrWrongGateway
	}
	return claims, nil
}

func MintUserToken(userID string, cfg Config) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if userID == "" {
		return "", errors.New("missing userID")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	now := time.Now()
	claims := UserClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			Subject:   userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

func VerifyUserToken(tokenString string, cfg Config) (*UserClaims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*UserClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}
