package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "alin-engine/database/models_pkg"
)

// Snapshot is the versioned export of one user's engine state
type Snapshot struct {
	Version      int                         `json:"version"`
	ExportedAt   time.Time                   `json:"exported_at"`
	UserID       string                      `json:"user_id"`
	Genes        []models.BehavioralGene     `json:"genes"`
	DomainStates []models.DomainState        `json:"domain_states"`
	Patterns     []models.ConsequencePattern `json:"patterns"`
	AuditLog     []models.GeneAuditEntry     `json:"audit_log"`
	Predictions  []models.Prediction         `json:"predictions"`
	Outcomes     []models.Outcome            `json:"outcomes"`
	Summary      SnapshotSummary             `json:"summary"`
}

// SnapshotSummary carries headline statistics of an export
type SnapshotSummary struct {
	GeneCount       int     `json:"gene_count"`
	ActiveGenes     int     `json:"active_genes"`
	DomainCount     int     `json:"domain_count"`
	PatternCount    int     `json:"pattern_count"`
	PredictionCount int     `json:"prediction_count"`
	OutcomeCount    int     `json:"outcome_count"`
	AvgGeneStrength float64 `json:"avg_gene_strength"`
	AvgAccuracy     float64 `json:"avg_accuracy"`
}

// ImportOptions selects what an import replaces
type ImportOptions struct {
	ClearExisting bool `json:"clear_existing"`
	ImportGenes   bool `json:"import_genes"`
	ImportDomains bool `json:"import_domains"`
	ImportLedger  bool `json:"import_ledger"` // predictions, outcomes, patterns
}

// ImportResult counts rows written by an import
type ImportResult struct {
	Genes        int `json:"genes"`
	AuditEntries int `json:"audit_entries"`
	DomainStates int `json:"domain_states"`
	Patterns     int `json:"patterns"`
	Predictions  int `json:"predictions"`
	Outcomes     int `json:"outcomes"`
}

// ExportSnapshot reads a user's full state
func (d *Database) ExportSnapshot(ctx context.Context, userID string) (*Snapshot, error) {
	snap := &Snapshot{Version: SnapshotVersion, ExportedAt: time.Now().UTC(), UserID: userID}
	db := d.db.WithContext(ctx)

	if err := db.Where("user_id = ?", userID).Order("created_at ASC").Order("id ASC").Find(&snap.Genes).Error; err != nil {
		return nil, WrapDBError("ExportSnapshot genes", err)
	}
	if err := db.Where("user_id = ?", userID).Order("domain ASC").Find(&snap.DomainStates).Error; err != nil {
		return nil, WrapDBError("ExportSnapshot domains", err)
	}
	if err := db.Where("user_id = ?", userID).Order("first_seen_at ASC").Order("id ASC").Find(&snap.Patterns).Error; err != nil {
		return nil, WrapDBError("ExportSnapshot patterns", err)
	}
	if err := db.Where("user_id = ?", userID).Order("created_at DESC").Limit(ExportAuditLimit).Find(&snap.AuditLog).Error; err != nil {
		return nil, WrapDBError("ExportSnapshot audit", err)
	}
	if err := db.Where("user_id = ?", userID).Order("created_at ASC").Order("id ASC").Find(&snap.Predictions).Error; err != nil {
		return nil, WrapDBError("ExportSnapshot predictions", err)
	}
	if err := db.Where("user_id = ?", userID).Order("created_at ASC").Order("id ASC").Find(&snap.Outcomes).Error; err != nil {
		return nil, WrapDBError("ExportSnapshot outcomes", err)
	}

	s := &snap.Summary
	s.GeneCount = len(snap.Genes)
	s.DomainCount = len(snap.DomainStates)
	s.PatternCount = len(snap.Patterns)
	s.PredictionCount = len(snap.Predictions)
	s.OutcomeCount = len(snap.Outcomes)
	var strength float64
	for _, g := range snap.Genes {
		if g.Status == models.GeneActive {
			s.ActiveGenes++
		}
		strength += g.Strength
	}
	if len(snap.Genes) > 0 {
		s.AvgGeneStrength = strength / float64(len(snap.Genes))
	}
	var acc float64
	for _, ds := range snap.DomainStates {
		acc += ds.PredictionAccuracy
	}
	if len(snap.DomainStates) > 0 {
		s.AvgAccuracy = acc / float64(len(snap.DomainStates))
	}
	return snap, nil
}

// ValidateSnapshot checks structure and value ranges before anything is written
func ValidateSnapshot(s *Snapshot) error {
	if s == nil {
		return NewValidationError("snapshot", "missing body")
	}
	if s.Version != SnapshotVersion {
		return NewValidationErrorWithValue("version", fmt.Sprintf("unsupported, expected %d", SnapshotVersion), s.Version)
	}

	seen := make(map[string]bool)
	for i, g := range s.Genes {
		field := fmt.Sprintf("genes[%d]", i)
		switch {
		case g.ID == "":
			return NewValidationError(field+".id", "required")
		case seen[g.ID]:
			return NewValidationErrorWithValue(field+".id", "duplicate", g.ID)
		case g.GeneText == "":
			return NewValidationError(field+".gene_text", "required")
		case g.Strength < 0 || g.Strength > 1:
			return NewValidationErrorWithValue(field+".strength", "must be within [0,1]", g.Strength)
		case !models.ValidGeneStatus(g.Status):
			return NewValidationErrorWithValue(field+".status", "unknown status", g.Status)
		}
		seen[g.ID] = true
	}

	domains := make(map[string]bool)
	for i, ds := range s.DomainStates {
		field := fmt.Sprintf("domain_states[%d]", i)
		switch {
		case ds.Domain == "":
			return NewValidationError(field+".domain", "required")
		case domains[ds.Domain]:
			return NewValidationErrorWithValue(field+".domain", "duplicate", ds.Domain)
		case outside01(ds.PainScore), outside01(ds.SatisfactionScore), outside01(ds.PredictionAccuracy):
			return NewValidationError(field, "scores must be within [0,1]")
		case ds.TotalPredictions < 0 || ds.CorrectPredictions < 0 || ds.WrongPredictions < 0 || ds.PartialPredictions < 0:
			return NewValidationError(field, "counters must be non-negative")
		}
		domains[ds.Domain] = true
	}

	auditIDs := make(map[string]bool)
	for i, e := range s.AuditLog {
		field := fmt.Sprintf("audit_log[%d]", i)
		switch {
		case e.ID == "" || e.GeneRef == "":
			return NewValidationError(field, "id and gene_ref are required")
		case auditIDs[e.ID]:
			return NewValidationErrorWithValue(field+".id", "duplicate", e.ID)
		}
		auditIDs[e.ID] = true
	}

	patternIDs, signatures := make(map[string]bool), make(map[string]bool)
	for i, p := range s.Patterns {
		field := fmt.Sprintf("patterns[%d]", i)
		key := p.Domain + "\x00" + p.PatternSignature
		switch {
		case p.ID == "" || p.PatternSignature == "":
			return NewValidationError(field, "id and pattern_signature are required")
		case !models.ValidPatternStatus(p.Status):
			return NewValidationErrorWithValue(field+".status", "unknown status", p.Status)
		case patternIDs[p.ID]:
			return NewValidationErrorWithValue(field+".id", "duplicate", p.ID)
		case signatures[key]:
			return NewValidationErrorWithValue(field+".pattern_signature", "duplicate for domain", p.PatternSignature)
		}
		patternIDs[p.ID], signatures[key] = true, true
	}

	predIDs, statements := make(map[string]bool), make(map[string]bool)
	for i, p := range s.Predictions {
		field := fmt.Sprintf("predictions[%d]", i)
		key := p.MessageRef + "\x00" + p.Text
		switch {
		case p.ID == "" || p.Text == "" || p.MessageRef == "":
			return NewValidationError(field, "id, text and message_ref are required")
		case !models.ValidPredictionStatus(p.Status):
			return NewValidationErrorWithValue(field+".status", "unknown status", p.Status)
		case (p.Status == models.PredictionPending) != (p.ResolvedAt == nil):
			return NewValidationError(field+".resolved_at", "must be set exactly when status is not pending")
		case predIDs[p.ID]:
			return NewValidationErrorWithValue(field+".id", "duplicate", p.ID)
		case statements[key]:
			return NewValidationErrorWithValue(field+".text", "duplicate for message_ref", p.MessageRef)
		}
		predIDs[p.ID], statements[key] = true, true
	}

	outcomeIDs := make(map[string]bool)
	for i, o := range s.Outcomes {
		switch {
		case o.ID == "" || !models.ValidResult(o.Result):
			return NewValidationError(fmt.Sprintf("outcomes[%d]", i), "id and a valid result are required")
		case outcomeIDs[o.ID]:
			return NewValidationErrorWithValue(fmt.Sprintf("outcomes[%d].id", i), "duplicate", o.ID)
		}
		outcomeIDs[o.ID] = true
	}
	return nil
}

func outside01(v float64) bool { return v < 0 || v > 1 }

const importBatchSize = 200

// ImportSnapshot validates s and writes the selected parts for userID in a
// single transaction; any failure leaves the store untouched. Rows whose id
// is already held by another user are written under fresh ids, with every
// reference inside the snapshot rewritten to match.
func (d *Database) ImportSnapshot(ctx context.Context, userID string, s *Snapshot, opts ImportOptions) (*ImportResult, error) {
	if err := ValidateSnapshot(s); err != nil {
		return nil, err
	}

	result := &ImportResult{}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.ClearExisting {
			if err := clearUser(tx, userID, opts); err != nil {
				return err
			}
		}

		ids, err := reassignForeignIDs(tx, userID, s, opts)
		if err != nil {
			return err
		}

		if opts.ImportGenes {
			genes := make([]models.BehavioralGene, len(s.Genes))
			for i, g := range s.Genes {
				g.ID = ids.gene(g.ID)
				g.UserID = userID
				g.Strength = roundStrength(g.Strength)
				g.ParentGeneRef = ids.genePtr(g.ParentGeneRef)
				g.SourcePatternRef = ids.patternPtr(g.SourcePatternRef)
				genes[i] = g
			}
			if err := upsertAll(tx, genes, "id"); err != nil {
				return WrapDBError("ImportSnapshot genes", err)
			}
			result.Genes = len(genes)

			audit := make([]models.GeneAuditEntry, len(s.AuditLog))
			for i, e := range s.AuditLog {
				e.ID = ids.remap(ids.audit, e.ID)
				e.UserID = userID
				e.GeneRef = ids.gene(e.GeneRef)
				audit[i] = e
			}
			if err := upsertAll(tx, audit, "id"); err != nil {
				return WrapDBError("ImportSnapshot audit", err)
			}
			result.AuditEntries = len(audit)
		}

		if opts.ImportDomains {
			states := make([]models.DomainState, len(s.DomainStates))
			for i, ds := range s.DomainStates {
				ds.UserID = userID
				states[i] = ds
			}
			if err := upsertAll(tx, states, "user_id", "domain"); err != nil {
				return WrapDBError("ImportSnapshot domains", err)
			}
			result.DomainStates = len(states)
		}

		if opts.ImportLedger {
			preds := make([]models.Prediction, len(s.Predictions))
			for i, p := range s.Predictions {
				p.ID = ids.remap(ids.prediction, p.ID)
				p.UserID = userID
				if p.TextHash == "" {
					p.TextHash = HashText(p.Text)
				}
				p.OutcomeRef = ids.remapPtr(ids.outcome, p.OutcomeRef)
				preds[i] = p
			}
			if err := checkPredictionKeys(tx, userID, preds); err != nil {
				return err
			}
			if err := upsertAll(tx, preds, "id"); err != nil {
				return WrapDBError("ImportSnapshot predictions", err)
			}
			result.Predictions = len(preds)

			outcomes := make([]models.Outcome, len(s.Outcomes))
			for i, o := range s.Outcomes {
				o.ID = ids.remap(ids.outcome, o.ID)
				o.UserID = userID
				o.PredictionRef = ids.remapPtr(ids.prediction, o.PredictionRef)
				outcomes[i] = o
			}
			if err := upsertAll(tx, outcomes, "id"); err != nil {
				return WrapDBError("ImportSnapshot outcomes", err)
			}
			result.Outcomes = len(outcomes)

			patterns := make([]models.ConsequencePattern, len(s.Patterns))
			for i, p := range s.Patterns {
				p.ID = ids.remap(ids.pattern, p.ID)
				p.UserID = userID
				patterns[i] = p
			}
			if err := checkPatternKeys(tx, userID, patterns); err != nil {
				return err
			}
			if err := upsertAll(tx, patterns, "id"); err != nil {
				return WrapDBError("ImportSnapshot patterns", err)
			}
			result.Patterns = len(patterns)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// idRemap holds old -> new ids for rows whose id belongs to another user
type idRemap struct {
	genes, audit, prediction, outcome, pattern map[string]string
}

func (m *idRemap) remap(table map[string]string, id string) string {
	if n, ok := table[id]; ok {
		return n
	}
	return id
}

func (m *idRemap) remapPtr(table map[string]string, id *string) *string {
	if id == nil {
		return nil
	}
	n := m.remap(table, *id)
	return &n
}

func (m *idRemap) gene(id string) string         { return m.remap(m.genes, id) }
func (m *idRemap) genePtr(id *string) *string    { return m.remapPtr(m.genes, id) }
func (m *idRemap) patternPtr(id *string) *string { return m.remapPtr(m.pattern, id) }

func reassignForeignIDs(tx *gorm.DB, userID string, s *Snapshot, opts ImportOptions) (*idRemap, error) {
	m := &idRemap{}
	var err error
	if opts.ImportGenes {
		if m.genes, err = foreignIDs(tx, &models.BehavioralGene{}, userID, collectIDs(s.Genes, func(g models.BehavioralGene) string { return g.ID })); err != nil {
			return nil, err
		}
		if m.audit, err = foreignIDs(tx, &models.GeneAuditEntry{}, userID, collectIDs(s.AuditLog, func(e models.GeneAuditEntry) string { return e.ID })); err != nil {
			return nil, err
		}
	}
	if opts.ImportLedger {
		if m.prediction, err = foreignIDs(tx, &models.Prediction{}, userID, collectIDs(s.Predictions, func(p models.Prediction) string { return p.ID })); err != nil {
			return nil, err
		}
		if m.outcome, err = foreignIDs(tx, &models.Outcome{}, userID, collectIDs(s.Outcomes, func(o models.Outcome) string { return o.ID })); err != nil {
			return nil, err
		}
		if m.pattern, err = foreignIDs(tx, &models.ConsequencePattern{}, userID, collectIDs(s.Patterns, func(p models.ConsequencePattern) string { return p.ID })); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func collectIDs[T any](rows []T, id func(T) string) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = id(r)
	}
	return out
}

// foreignIDs maps every id in ids already stored for a different user to an
// id derived from (userID, id), so importing the same snapshot twice lands on
// the same rows
func foreignIDs(tx *gorm.DB, model interface{}, userID string, ids []string) (map[string]string, error) {
	out := make(map[string]string)
	for start := 0; start < len(ids); start += importBatchSize {
		end := min(start+importBatchSize, len(ids))
		var taken []string
		if err := tx.Model(model).Where("id IN ? AND user_id <> ?", ids[start:end], userID).Pluck("id", &taken).Error; err != nil {
			return nil, WrapDBError("ImportSnapshot ids", err)
		}
		for _, id := range taken {
			out[id] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID+"\x00"+id)).String()
		}
	}
	return out, nil
}

// checkPredictionKeys rejects predictions whose (message_ref, text_hash)
// the user already holds under a different id
func checkPredictionKeys(tx *gorm.DB, userID string, preds []models.Prediction) error {
	if len(preds) == 0 {
		return nil
	}
	incoming := make(map[string]string, len(preds))
	refs := make([]string, 0, len(preds))
	for _, p := range preds {
		incoming[p.MessageRef+"\x00"+p.TextHash] = p.ID
		refs = append(refs, p.MessageRef)
	}
	for start := 0; start < len(refs); start += importBatchSize {
		end := min(start+importBatchSize, len(refs))
		var existing []models.Prediction
		if err := tx.Select("id", "message_ref", "text_hash").
			Where("user_id = ? AND message_ref IN ?", userID, refs[start:end]).
			Find(&existing).Error; err != nil {
			return WrapDBError("ImportSnapshot predictions", err)
		}
		for _, ex := range existing {
			if id, ok := incoming[ex.MessageRef+"\x00"+ex.TextHash]; ok && id != ex.ID {
				return NewConflictError("prediction", id, "message_ref and text already recorded as "+ex.ID)
			}
		}
	}
	return nil
}

// checkPatternKeys rejects patterns whose (domain, signature) the user
// already holds under a different id
func checkPatternKeys(tx *gorm.DB, userID string, patterns []models.ConsequencePattern) error {
	if len(patterns) == 0 {
		return nil
	}
	incoming := make(map[string]string, len(patterns))
	sigs := make([]string, 0, len(patterns))
	for _, p := range patterns {
		incoming[p.Domain+"\x00"+p.PatternSignature] = p.ID
		sigs = append(sigs, p.PatternSignature)
	}
	for start := 0; start < len(sigs); start += importBatchSize {
		end := min(start+importBatchSize, len(sigs))
		var existing []models.ConsequencePattern
		if err := tx.Select("id", "domain", "pattern_signature").
			Where("user_id = ? AND pattern_signature IN ?", userID, sigs[start:end]).
			Find(&existing).Error; err != nil {
			return WrapDBError("ImportSnapshot patterns", err)
		}
		for _, ex := range existing {
			if id, ok := incoming[ex.Domain+"\x00"+ex.PatternSignature]; ok && id != ex.ID {
				return NewConflictError("pattern", id, "signature already tracked as "+ex.ID)
			}
		}
	}
	return nil
}

// upsertAll inserts rows, updating on conflict over keys. Key columns and
// user_id are never rewritten.
func upsertAll[T any](tx *gorm.DB, rows []T, keys ...string) error {
	if len(rows) == 0 {
		return nil
	}
	stmt := &gorm.Statement{DB: tx}
	if err := stmt.Parse(&rows[0]); err != nil {
		return err
	}
	fixed := map[string]bool{"user_id": true}
	conflict := make([]clause.Column, len(keys))
	for i, k := range keys {
		fixed[k] = true
		conflict[i] = clause.Column{Name: k}
	}
	var update []string
	for _, name := range stmt.Schema.DBNames {
		if !fixed[name] {
			update = append(update, name)
		}
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   conflict,
		DoUpdates: clause.AssignmentColumns(update),
	}).CreateInBatches(rows, importBatchSize).Error
}

func clearUser(tx *gorm.DB, userID string, opts ImportOptions) error {
	var targets []interface{}
	if opts.ImportGenes {
		targets = append(targets, &models.GeneAuditEntry{}, &models.BehavioralGene{})
	}
	if opts.ImportDomains {
		targets = append(targets, &models.DomainHistoryEntry{}, &models.DomainState{})
	}
	if opts.ImportLedger {
		targets = append(targets, &models.CalibrationSnapshot{}, &models.ConsequencePattern{}, &models.Outcome{}, &models.Prediction{})
	}
	for _, model := range targets {
		if err := tx.Where("user_id = ?", userID).Delete(model).Error; err != nil {
			return WrapDBError("ImportSnapshot clear", err)
		}
	}
	return nil
}

func roundStrength(v float64) float64 {
	return float64(int64(v*10000+0.5)) / 10000
}
