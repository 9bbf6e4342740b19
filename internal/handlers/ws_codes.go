// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the lobby handler.
// These provide more specific reasons for closure than standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError = 3001 // Missing or invalid auth token.
	InvalidLobbyIDError   = 3003 // Lobby code or id in the URL does not resolve.
	LobbyClosedError      = 3004 // The lobby reached closed or aborted; no further events follow.
)
