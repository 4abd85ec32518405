package selection

import "fmt"

// ToggleExecutionType flips one execution type. Disabling the only enabled
// type is rejected; disabling the default moves the default to the first
// remaining type.
func (s *Selection) ToggleExecutionType(et ExecutionType) (Settings, error) {
	if _, err := ParseExecutionType(string(et)); err != nil {
		return s.Settings(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	allowed, def, err := toggle(s.settings.AllowedExecutionTypes, s.settings.DefaultExecutionType, et)
	if err != nil {
		return cloneSettings(s.settings), err
	}
	s.settings.AllowedExecutionTypes = allowed
	s.settings.DefaultExecutionType = def
	return cloneSettings(s.settings), nil
}

// SetDefaultExecutionType requires et to be enabled.
func (s *Selection) SetDefaultExecutionType(et ExecutionType) error {
	if _, err := ParseExecutionType(string(et)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !containsType(s.settings.AllowedExecutionTypes, et) {
		return fmt.Errorf("%w: %s", ErrExecutionTypeNotSet, et)
	}
	s.settings.DefaultExecutionType = et
	return nil
}

func toggle(allowed []ExecutionType, def, et ExecutionType) ([]ExecutionType, ExecutionType, error) {
	if !containsType(allowed, et) {
		return append(append([]ExecutionType(nil), allowed...), et), def, nil
	}
	if len(allowed) == 1 {
		return allowed, def, ErrLastExecutionType
	}

	out := make([]ExecutionType, 0, len(allowed)-1)
	for _, v := range allowed {
		if v != et {
			out = append(out, v)
		}
	}
	if def == et {
		def = out[0]
	}
	return out, def, nil
}

func containsType(list []ExecutionType, et ExecutionType) bool {
	for _, v := range list {
		if v == et {
			return true
		}
	}
	return false
}
