package transport

// TelephonyConn is the write side of a telephony media connection. Reads stay
// with the connection's receive loop; a session only writes and closes.
type TelephonyConn interface {
	ID() string
	WriteMessage(data []byte) error
	Close() error
}
