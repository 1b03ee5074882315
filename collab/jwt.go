package collab

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// claims carried by a room token. The token is minted by the identity
// provider; the client only reads it, the room server verifies it.
type RoomToken struct {
	UserId Id
	Name   string
	Avatar string
}

// client side. The core does not authenticate; it trusts the identity
// provider and only needs the claims to label the local participant.
func ParseRoomTokenUnverified(byJwt string) (*RoomToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return roomTokenFromClaims(token.Claims.(gojwt.MapClaims))
}

// server side
func ParseRoomToken(byJwt string, secret []byte) (*RoomToken, error) {
	token, err := gojwt.Parse(
		byJwt,
		func(token *gojwt.Token) (any, error) {
			if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return secret, nil
		},
	)
	if err != nil {
		return nil, err
	}
	return roomTokenFromClaims(token.Claims.(gojwt.MapClaims))
}

func SignRoomToken(roomToken *RoomToken, secret []byte) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": roomToken.UserId.String(),
		"name":    roomToken.Name,
		"avatar":  roomToken.Avatar,
	})
	return token.SignedString(secret)
}

func roomTokenFromClaims(claims gojwt.MapClaims) (*RoomToken, error) {
	roomToken := &RoomToken{}

	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, fmt.Errorf("missing user_id claim")
	}
	userId, err := ParseId(userIdStr)
	if err != nil {
		return nil, err
	}
	if userId.IsZero() {
		// the zero id is reserved for hub-originated envelopes
		return nil, fmt.Errorf("zero user_id claim")
	}
	roomToken.UserId = userId

	if name, ok := claims["name"].(string); ok {
		roomToken.Name = name
	}
	if avatar, ok := claims["avatar"].(string); ok {
		roomToken.Avatar = avatar
	}

	return roomToken, nil
}
