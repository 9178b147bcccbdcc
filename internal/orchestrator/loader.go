package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/engine"
	"github.com/shaiso/Flowline/internal/flowdef"
	"github.com/shaiso/Flowline/internal/locks"
	"github.com/shaiso/Flowline/internal/migrate"
	"github.com/shaiso/Flowline/internal/repo"
)

// DefaultFlowCacheTTL — время жизни разобранного определения в кэше.
const DefaultFlowCacheTTL = 10 * time.Minute

// LoaderConfig — конфигурация FlowLoader.
type LoaderConfig struct {
	Flows    FlowStore
	Contacts ContactStore
	Locker   locks.Locker

	// CacheTTL — время жизни записи кэша. Default: 10m
	CacheTTL time.Duration

	Logger *slog.Logger
}

// FlowLoader загружает определения flows.
//
// Устаревшее определение мигрируется до текущей версии под
// эксклюзивной блокировкой flow и сохраняется новой ревизией.
// Разобранные определения кэшируются по flow UUID и ревизии,
// поэтому ход, уже получивший определение, не видит последующих правок.
type FlowLoader struct {
	flows    FlowStore
	contacts ContactStore
	locker   locks.Locker
	cache    *cache.Cache
	logger   *slog.Logger
}

// NewFlowLoader создаёт FlowLoader.
func NewFlowLoader(cfg LoaderConfig) *FlowLoader {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultFlowCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Locker == nil {
		cfg.Locker = locks.NewLocal(0)
	}
	return &FlowLoader{
		flows:    cfg.Flows,
		contacts: cfg.Contacts,
		locker:   cfg.Locker,
		cache:    cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		logger:   cfg.Logger,
	}
}

// Load возвращает flow и его разобранное определение текущей версии.
func (l *FlowLoader) Load(ctx context.Context, flowID uuid.UUID) (*domain.Flow, *flowdef.Definition, error) {
	flow, err := l.getFlow(ctx, flowID)
	if err != nil {
		return nil, nil, err
	}

	key := cacheKey(flow.ID, flow.Revision)
	if def, ok := l.cache.Get(key); ok {
		return flow, def.(*flowdef.Definition), nil
	}

	// 1. Приводим ревизию к текущей версии
	rev, err := l.EnsureCurrentVersion(ctx, flow)
	if err != nil {
		return nil, nil, err
	}
	if rev.Revision != flow.Revision {
		if flow, err = l.getFlow(ctx, flowID); err != nil {
			return nil, nil, err
		}
	}

	// 2. Разбор, валидация, статические циклы
	def, warnings, err := engine.Load(rev.Definition)
	if err != nil {
		return nil, nil, fmt.Errorf("load flow %s revision %d: %w", flow.ID, rev.Revision, err)
	}
	for _, w := range warnings {
		l.logger.Warn("flow definition warning",
			"flow_uuid", flow.ID,
			"node_uuid", w.NodeUUID,
			"warning", w.Message,
		)
	}

	l.cache.Set(cacheKey(flow.ID, rev.Revision), def, cache.DefaultExpiration)
	return flow, def, nil
}

// EnsureCurrentVersion возвращает последнюю ревизию flow, мигрируя её при необходимости.
//
// Миграция выполняется под блокировкой flow. Если ревизию уже
// обновил другой процесс, используется его результат.
func (l *FlowLoader) EnsureCurrentVersion(ctx context.Context, flow *domain.Flow) (*domain.FlowRevision, error) {
	rev, err := l.latestRevision(ctx, flow.ID)
	if err != nil {
		return nil, err
	}
	if rev.SpecVersion == flowdef.CurrentVersion {
		return rev, nil
	}

	unlock, err := l.locker.Acquire(ctx, locks.FlowKey(flow.ID))
	if err != nil {
		return nil, fmt.Errorf("lock flow %s: %w", flow.ID, err)
	}
	defer unlock()

	// 1. Перечитываем под блокировкой
	current, err := l.getFlow(ctx, flow.ID)
	if err != nil {
		return nil, err
	}
	rev, err = l.latestRevision(ctx, flow.ID)
	if err != nil {
		return nil, err
	}
	if rev.SpecVersion == flowdef.CurrentVersion {
		return rev, nil
	}

	// 2. Мигрируем
	meta := &migrate.Meta{
		FlowUUID: current.ID.String(),
		Name:     current.Name,
		FlowType: string(current.FlowType),
		SameSite: true,
		Resolver: l.resolver(ctx, current.OrgID),
	}
	migrated, err := migrate.Migrate(rev.Definition, meta, flowdef.CurrentVersion)
	if err != nil {
		return nil, fmt.Errorf("migrate flow %s from %s: %w", current.ID, rev.SpecVersion, err)
	}

	// 3. Пишем новую ревизию поверх прочитанной
	saved, err := l.flows.SaveRevision(ctx, current.ID, current.Revision, flowdef.CurrentVersion, migrated)
	if errors.Is(err, repo.ErrRevisionConflict) {
		return l.latestRevision(ctx, flow.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("save migrated revision: %w", err)
	}

	l.logger.Info("flow migrated",
		"flow_uuid", current.ID,
		"from_version", rev.SpecVersion,
		"to_version", flowdef.CurrentVersion,
		"revision", saved.Revision,
		"remapped_uuids", len(meta.Remapped),
	)
	return saved, nil
}

// SaveDefinition сохраняет отредактированное определение.
//
// expectedVersion — версия, которую редактор считает текущей; при
// расхождении возвращается *migrate.VersionConflictError. baseRevision —
// ревизия, поверх которой сделаны правки; если flow уже изменён,
// возвращается repo.ErrRevisionConflict. Определение с недопустимым
// циклом не сохраняется.
func (l *FlowLoader) SaveDefinition(ctx context.Context, flowID uuid.UUID, baseRevision int, expectedVersion string, data []byte) (*domain.FlowRevision, error) {
	// 1. Версия документа
	doc, err := gabs.ParseJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flowdef.ErrInvalidJSON, err)
	}
	if err := migrate.ExpectVersion(doc, expectedVersion); err != nil {
		return nil, err
	}
	if expectedVersion != flowdef.CurrentVersion {
		return nil, &migrate.VersionConflictError{Current: expectedVersion, Expected: flowdef.CurrentVersion}
	}

	// 2. Структура и циклы
	if _, _, err := engine.Load(data); err != nil {
		return nil, err
	}

	// 3. Запись под блокировкой flow
	unlock, err := l.locker.Acquire(ctx, locks.FlowKey(flowID))
	if err != nil {
		return nil, fmt.Errorf("lock flow %s: %w", flowID, err)
	}
	defer unlock()

	rev, err := l.flows.SaveRevision(ctx, flowID, baseRevision, flowdef.CurrentVersion, json.RawMessage(data))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, err
	}
	return rev, nil
}

func (l *FlowLoader) getFlow(ctx context.Context, flowID uuid.UUID) (*domain.Flow, error) {
	flow, err := l.flows.GetFlow(ctx, flowID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return flow, nil
}

func (l *FlowLoader) latestRevision(ctx context.Context, flowID uuid.UUID) (*domain.FlowRevision, error) {
	rev, err := l.flows.GetLatestRevision(ctx, flowID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: no revisions for %s", ErrFlowNotFound, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("get flow revision: %w", err)
	}
	return rev, nil
}

func (l *FlowLoader) resolver(ctx context.Context, orgID uuid.UUID) migrate.Resolver {
	if l.contacts == nil {
		return nil
	}
	return &storeResolver{ctx: ctx, orgID: orgID, contacts: l.contacts}
}

func cacheKey(flowID uuid.UUID, revision int) string {
	return fmt.Sprintf("%s:%d", flowID, revision)
}

// storeResolver разрешает ссылки миграции через хранилище организации.
type storeResolver struct {
	ctx      context.Context
	orgID    uuid.UUID
	contacts ContactStore
}

// LookupID реализует migrate.Resolver. Числовые id в хранилище не ведутся.
func (r *storeResolver) LookupID(migrate.Kind, int64) (migrate.Ref, bool) {
	return migrate.Ref{}, false
}

// ResolveGroup реализует migrate.Resolver.
func (r *storeResolver) ResolveGroup(ref migrate.Ref) (migrate.Ref, error) {
	g, err := resolveGroup(r.ctx, r.contacts, r.orgID, flowdef.Ref{UUID: ref.UUID, Name: ref.Name})
	if err != nil || g == nil {
		return ref, err
	}
	return migrate.Ref{UUID: g.ID.String(), Name: g.Name}, nil
}

// ResolveLabel реализует migrate.Resolver.
func (r *storeResolver) ResolveLabel(ref migrate.Ref) (migrate.Ref, error) {
	lbl, err := resolveLabel(r.ctx, r.contacts, r.orgID, flowdef.Ref{UUID: ref.UUID, Name: ref.Name})
	if err != nil || lbl == nil {
		return ref, err
	}
	return migrate.Ref{UUID: lbl.ID.String(), Name: lbl.Name}, nil
}

// ChannelInOrg реализует migrate.Resolver.
func (r *storeResolver) ChannelInOrg(channelUUID string) bool {
	id, err := uuid.Parse(channelUUID)
	if err != nil {
		return false
	}
	ch, err := r.contacts.GetChannel(r.ctx, id)
	return err == nil && ch.OrgID == r.orgID
}
