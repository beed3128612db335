package cache

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const envelopeVersion = 1

// envelope is the on-disk form of an Entry. Expiry is derived from the
// embedded metadata only, never from file times.
type envelope struct {
	Version   int    `msgpack:"v"`
	Key       string `msgpack:"k"`
	CreatedAt int64  `msgpack:"c"`
	TTL       int64  `msgpack:"t"`
	Value     []byte `msgpack:"d"`
}

var errBadEnvelope = errors.New("cache: malformed entry")

func encodeEnvelope(key string, e Entry) ([]byte, error) {
	data, err := msgpack.Marshal(&envelope{
		Version:   envelopeVersion,
		Key:       key,
		CreatedAt: e.CreatedAt.UnixNano(),
		TTL:       int64(e.TTL),
		Value:     e.Value,
	})
	if err != nil {
		return nil, errors.Wrap(err, "cache: encode entry")
	}
	return data, nil
}

func decodeEnvelope(data []byte) (string, Entry, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return "", Entry{}, errors.Mark(errors.Wrap(err, "cache: decode entry"), errBadEnvelope)
	}
	if env.Version != envelopeVersion {
		return "", Entry{}, errors.Wrapf(errBadEnvelope, "unsupported version %d", env.Version)
	}
	if env.TTL <= 0 {
		return "", Entry{}, errors.Wrapf(errBadEnvelope, "non-positive ttl %d", env.TTL)
	}
	return env.Key, Entry{
		Value:     env.Value,
		CreatedAt: time.Unix(0, env.CreatedAt),
		TTL:       time.Duration(env.TTL),
	}, nil
}
