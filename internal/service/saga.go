package service

import (
	"errors"
	"fmt"
)

// saga 记录已提交步骤的补偿动作, 失败时逆序执行
type saga struct {
	steps []sagaStep
}

type sagaStep struct {
	name string
	undo func() error
}

func (s *saga) done(name string, undo func() error) {
	s.steps = append(s.steps, sagaStep{name: name, undo: undo})
}

// rollback 逆序执行补偿, 单个补偿失败不会中断后续补偿
func (s *saga) rollback() error {
	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		st := s.steps[i]
		if st.undo == nil {
			continue
		}
		if err := st.undo(); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", st.name, err))
		}
	}
	s.steps = nil
	return errors.Join(errs...)
}

func (s *saga) completed() []string {
	names := make([]string, 0, len(s.steps))
	for _, st := range s.steps {
		names = append(names, st.name)
	}
	return names
}
