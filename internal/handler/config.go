package handler

import (
	"context"
	"fmt"

	"github.com/isc-ryoung/remedyd/internal/cpf"
	"github.com/isc-ryoung/remedyd/internal/logging"
	"github.com/isc-ryoung/remedyd/internal/model"
)

// ConfigHandler applies configuration changes to the managed CPF file.
// Successful writes that hit the restart rule table request a graceful
// restart follow-up on the instance resource.
type ConfigHandler struct {
	manager          *cpf.Manager
	instanceResource string
	log              *logging.Component
}

func NewConfigHandler(manager *cpf.Manager, instanceResource string, log *logging.Component) *ConfigHandler {
	if instanceResource == "" {
		instanceResource = "instance"
	}
	return &ConfigHandler{
		manager:          manager,
		instanceResource: instanceResource,
		log:              log,
	}
}

func (h *ConfigHandler) Kind() model.ActionKind {
	return model.ActionConfigChange
}

func (h *ConfigHandler) Validate(ctx context.Context, params map[string]any) error {
	if _, err := stringParam(params, "section"); err != nil {
		return err
	}
	if _, err := stringParam(params, "key"); err != nil {
		return err
	}
	if _, err := stringParam(params, "value"); err != nil {
		return err
	}
	if err := h.manager.Validate(); err != nil {
		return validationErrorf("cpf file unusable: %v", err)
	}
	return nil
}

func (h *ConfigHandler) Execute(ctx context.Context, params map[string]any) (Result, error) {
	section, _ := stringParam(params, "section")
	key, _ := stringParam(params, "key")
	value, _ := stringParam(params, "value")

	backupPath, oldValue, err := h.manager.WriteSetting(section, key, value)
	if err != nil {
		// Partial detail so a rollback can still find the backup.
		return Result{Detail: map[string]any{
			"section":     section,
			"key":         key,
			"backup_path": backupPath,
		}}, fmt.Errorf("write setting %s/%s: %w", section, key, err)
	}

	if err := h.manager.Validate(); err != nil {
		return Result{Detail: map[string]any{
			"section":     section,
			"key":         key,
			"old_value":   oldValue,
			"backup_path": backupPath,
		}}, fmt.Errorf("cpf invalid after write: %w", err)
	}

	h.log.Infof("cpf_write_success section=%s key=%s old=%q new=%q backup=%s",
		section, key, oldValue, value, backupPath)

	result := Result{
		Detail: map[string]any{
			"section":     section,
			"key":         key,
			"old_value":   oldValue,
			"new_value":   value,
			"backup_path": backupPath,
		},
	}

	if h.manager.RequiresRestart(section, key) {
		h.log.Infof("restart_required section=%s key=%s", section, key)
		result.Detail["requires_restart"] = true
		result.FollowUp = &model.FollowUp{
			Kind:           model.ActionRestart,
			TargetResource: h.instanceResource,
			Parameters:     map[string]any{"mode": "graceful"},
			Priority:       model.PriorityHigh,
		}
	}

	return result, nil
}

// Rollback restores the backup recorded by Execute. Restoring is a plain
// file copy, so repeating it after a partial execute failure is safe.
func (h *ConfigHandler) Rollback(ctx context.Context, params map[string]any, prior Result) error {
	backupPath, _ := prior.Detail["backup_path"].(string)
	if backupPath == "" {
		return fmt.Errorf("no backup recorded, cannot roll back")
	}
	if err := h.manager.RestoreBackup(backupPath); err != nil {
		return fmt.Errorf("rollback cpf: %w", err)
	}
	h.log.Infof("cpf_restore_success backup=%s", backupPath)
	return nil
}
