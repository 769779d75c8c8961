package clientsession

import "errors"

// ErrProtocol is returned when a client's request is structurally invalid:
// a non-plist or undecodable request frame, an unknown MessageType, or a
// relay message whose length can't be trusted.
var ErrProtocol = errors.New("clientsession: protocol violation")
