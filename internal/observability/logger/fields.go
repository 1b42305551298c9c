package logger

import (
	"time"

	"go.uber.org/zap"
)

// Participant tags an entry with a mesh participant id.
func Participant(v string) zap.Field {
	return zap.String("participant", v)
}

// Peer tags an entry with the remote end of a link.
func Peer(v string) zap.Field {
	return zap.String("peer", v)
}

// Addr tags an entry with a network address.
func Addr(v string) zap.Field {
	return zap.String("addr", v)
}

// Room tags an entry with a rendezvous room.
func Room(v string) zap.Field {
	return zap.String("room", v)
}

// MsgType tags an entry with a direct message type.
func MsgType(v string) zap.Field {
	return zap.String("msg_type", v)
}

// Tick tags an entry with the loop tick counter.
func Tick(v uint64) zap.Field {
	return zap.Uint64("tick", v)
}

// Count tags an entry with a count.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Duration tags an entry with a duration.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// Err tags an entry with an error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Int tags an entry with an arbitrary int.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// String tags an entry with an arbitrary string.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}
