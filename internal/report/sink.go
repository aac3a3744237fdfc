package report

import "errors"

// Sink receives row groups in assessment order.
type Sink interface {
	WriteGroup(RowGroup) error
	Close() error
}

// MultiSink fans row groups out to several sinks.
type MultiSink []Sink

// WriteGroup writes g to every sink, stopping at the first failure.
func (m MultiSink) WriteGroup(g RowGroup) error {
	for _, s := range m {
		if err := s.WriteGroup(g); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteAll writes every group to s.
func WriteAll(s Sink, groups []RowGroup) error {
	for _, g := range groups {
		if err := s.WriteGroup(g); err != nil {
			return err
		}
	}
	return nil
}
