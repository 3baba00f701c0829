package pgstore

// SetAfterWrite installs a hook that runs inside every write transaction
func SetAfterWrite(s *Store, fn func() error) {
	s.afterWrite = fn
}
