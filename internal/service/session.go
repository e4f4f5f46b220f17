package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secure-msg-backend/internal/model"
	"secure-msg-backend/internal/util"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStore 会话的签发, 校验与吊销. 数据库中的会话记录是权威来源
type SessionStore struct {
	*base
	signer      *util.TokenSigner
	revocations RevocationCache
}

func newSigner(secret string) *util.TokenSigner {
	return util.NewTokenSigner(secret)
}

type SessionSpec struct {
	SubjectID   string
	SubjectKind string
	TenantID    string
	Mode        Mode
	DeviceID    string
	TTL         time.Duration // 0 表示永久
	NotAfter    *time.Time    // 会话不得晚于该时间过期, 例如许可证到期时间
}

type IssuedSession struct {
	Token     string     `json:"token"`
	SessionID string     `json:"session_id"`
	Mode      Mode       `json:"mode"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	Lifetime  bool       `json:"lifetime"`
}

// Identity 令牌校验结果, 不包含任何凭据
type Identity struct {
	SessionID   string       `json:"session_id"`
	SubjectID   string       `json:"subject_id"`
	SubjectKind string       `json:"subject_kind"`
	TenantID    string       `json:"tenant_id"`
	Mode        Mode         `json:"mode"`
	DeviceID    string       `json:"device_id,omitempty"`
	Username    string       `json:"username"`
	Origin      model.Origin `json:"origin,omitempty"`
	Role        string       `json:"role,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at"`
}

func (i *Identity) IsOperator() bool {
	return i.SubjectKind == model.SubjectOperator
}

func (s *SessionStore) issueTx(tx *gorm.DB, spec SessionSpec, now time.Time) (*IssuedSession, error) {
	var expiresAt *time.Time
	if spec.TTL > 0 {
		t := now.Add(spec.TTL)
		expiresAt = &t
	}
	if spec.NotAfter != nil && (expiresAt == nil || spec.NotAfter.Before(*expiresAt)) {
		t := *spec.NotAfter
		expiresAt = &t
	}

	sess := &model.Session{
		ID:          uuid.NewString(),
		SubjectID:   spec.SubjectID,
		SubjectKind: spec.SubjectKind,
		TenantID:    spec.TenantID,
		Mode:        string(spec.Mode),
		DeviceID:    spec.DeviceID,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}
	if err := tx.Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	token, err := s.signer.GenerateToken(sess.ID, sess.SubjectID, util.SessionClaims{
		Kind:   spec.SubjectKind,
		Tenant: spec.TenantID,
		Mode:   string(spec.Mode),
	}, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	return &IssuedSession{
		Token:     token,
		SessionID: sess.ID,
		Mode:      spec.Mode,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		Lifetime:  expiresAt == nil,
	}, nil
}

// Validate 校验令牌, 会话记录以及主体状态
func (s *SessionStore) Validate(ctx context.Context, token string) (*Identity, error) {
	claims, err := s.signer.ValidateToken(token, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}

	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			s.log.Warn().Err(err).Msg("revocation cache lookup failed")
		} else if revoked {
			return nil, fmt.Errorf("%w: revoked", ErrSessionInvalid)
		}
	}

	db := s.store.DB(ctx)
	var sess model.Session
	if err := db.Where("id = ?", claims.ID).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: unknown session", ErrSessionInvalid)
		}
		return nil, err
	}
	if !sess.Active(s.now()) || sess.SubjectID != claims.Subject {
		return nil, fmt.Errorf("%w: session ended", ErrSessionInvalid)
	}

	id := &Identity{
		SessionID:   sess.ID,
		SubjectID:   sess.SubjectID,
		SubjectKind: sess.SubjectKind,
		TenantID:    sess.TenantID,
		Mode:        Mode(sess.Mode),
		DeviceID:    sess.DeviceID,
		ExpiresAt:   sess.ExpiresAt,
	}

	switch sess.SubjectKind {
	case model.SubjectAccount:
		var acc model.Account
		if err := db.Where("id = ?", sess.SubjectID).First(&acc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: account gone", ErrSessionInvalid)
			}
			return nil, err
		}
		if acc.Blocked {
			return nil, fmt.Errorf("%w: %w", ErrSessionInvalid, ErrAccountBlocked)
		}
		id.Username = acc.Username
		id.Origin = acc.Origin
	case model.SubjectOperator:
		var op model.Operator
		if err := db.Where("id = ?", sess.SubjectID).First(&op).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: operator gone", ErrSessionInvalid)
			}
			return nil, err
		}
		if op.Status != "active" {
			return nil, fmt.Errorf("%w: operator disabled", ErrSessionInvalid)
		}
		id.Username = op.Username
		id.Role = op.Role
	default:
		return nil, fmt.Errorf("%w: unknown subject kind", ErrSessionInvalid)
	}
	return id, nil
}

// Revoke 吊销单个会话, 重复吊销不报错
func (s *SessionStore) Revoke(ctx context.Context, sessionID string) error {
	now := s.now()
	err := s.store.DB(ctx).Model(&model.Session{}).
		Where("id = ? AND revoked_at IS NULL", sessionID).
		Update("revoked_at", now).Error
	if err != nil {
		return err
	}
	s.mirrorRevocations(ctx, []string{sessionID})
	return nil
}

// revokeAllTx 与调用方的状态变更在同一事务内吊销主体的全部会话
func (s *SessionStore) revokeAllTx(tx *gorm.DB, subjectID string, now time.Time) ([]string, error) {
	var ids []string
	if err := tx.Model(&model.Session{}).
		Where("subject_id = ? AND revoked_at IS NULL", subjectID).
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := tx.Model(&model.Session{}).
		Where("id IN ?", ids).
		Update("revoked_at", now).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// mirrorRevocations 事务提交后同步到外部缓存, 失败只记录日志
func (s *SessionStore) mirrorRevocations(ctx context.Context, ids []string) {
	if s.revocations == nil {
		return
	}
	for _, id := range ids {
		if err := s.revocations.MarkRevoked(ctx, id, s.cfg.Auth.SessionTTL); err != nil {
			s.log.Warn().Err(err).Str("session", id).Msg("mirror revocation failed")
		}
	}
}

// ActiveSessions 主体当前有效的会话
func (s *SessionStore) ActiveSessions(ctx context.Context, subjectID string) ([]model.Session, error) {
	var sessions []model.Session
	if err := s.store.DB(ctx).Where("subject_id = ? AND revoked_at IS NULL", subjectID).
		Order("issued_at DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	now := s.now()
	active := sessions[:0]
	for _, sess := range sessions {
		if sess.Active(now) {
			active = append(active, sess)
		}
	}
	return active, nil
}
