package repository

import (
	"context"

	"queryfleet/internal/domain"
)

// GetMonitorStatus returns the monitor record. A zero LastChecked means no
// sweep has completed yet.
func (s *StatusStore) GetMonitorStatus(ctx context.Context) (*domain.MonitorStatus, error) {
	var lastChecked int64
	err := s.db.QueryRowContext(ctx, `SELECT last_checked FROM monitor_status WHERE id = 1`).Scan(&lastChecked)
	if err != nil {
		err = mapDBError(err)
		if domain.IsNotFound(err) {
			return &domain.MonitorStatus{}, nil
		}
		return nil, err
	}
	return &domain.MonitorStatus{LastChecked: fromMillis(lastChecked)}, nil
}

// UpdateMonitorStatus stores the monitor record. LastChecked never moves
// backwards.
func (s *StatusStore) UpdateMonitorStatus(ctx context.Context, st *domain.MonitorStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitor_status (id, last_checked) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET last_checked = MAX(last_checked, excluded.last_checked)
	`, toMillis(st.LastChecked))
	return mapDBError(err)
}
