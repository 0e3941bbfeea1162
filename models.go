package main

import "time"

// ResponseStatus is the outcome label carried by every successful REST
// response body. Failures use ErrorResponse.
type ResponseStatus string

const StatusSuccess ResponseStatus = "Success"

// Item wraps REST payloads as {"status", "message", "data"}.
type Item[T any] struct {
	Status  ResponseStatus `json:"status"`
	Message string         `json:"message"`
	Data    T              `json:"data"`
}

func NewItem[T any](status ResponseStatus, message string, data T) Item[T] {
	return Item[T]{Status: status, Message: message, Data: data}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type RoomResponse struct {
	RoomID string `json:"room_id"`
}

type MembersResponse struct {
	RoomID  string   `json:"room_id"`
	Members []string `json:"members"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
	Members int    `json:"members"`
}

type ConnectionResponse struct {
	ID             uint       `json:"id"`
	UserID         string     `json:"user_id"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

type ConnectionsResponse struct {
	RoomID      string               `json:"room_id"`
	Connections []ConnectionResponse `json:"connections"`
}
