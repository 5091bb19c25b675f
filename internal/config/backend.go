package config

// ConfigBackend is where user-set values live between the defaults and the
// STUDYSYNC_* environment: the `defaults` domain on macOS, a JSON file
// elsewhere. Keys are the dotted names from the key table.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
