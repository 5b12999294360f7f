package agent

import "troop/internal/dispatch"

// toolRegistry maps agent type to the tool names it may use. Unknown agent
// types get no tools.
var toolRegistry = map[string][]string{
	dispatch.WorkerScout: {
		"read_file", "list_directory", "search_code",
		"scribe_create_artifact", "scribe_validate", "scribe_list_artifacts",
	},
	dispatch.WorkerSage: {
		"read_artifact", "scribe_create_artifact", "scribe_update_artifact",
		"search_beads_history", "scribe_list_artifacts",
	},
	dispatch.WorkerBard: {
		"read_artifact", "scribe_create_artifact", "search_prior_artifacts",
	},
	dispatch.WorkerPlanner: {
		"read_artifact", "scribe_create_artifact",
		"beads_list_issues", "beads_create_issue", "beads_add_dependency",
	},
	dispatch.WorkerArchitect: {
		"read_artifact", "scribe_create_artifact", "read_file", "list_directory",
	},
	dispatch.WorkerSteward: {
		"read_artifact", "scribe_create_artifact", "search_prior_artifacts",
	},
	dispatch.WorkerForge: {
		"read_artifact", "read_file", "write_code_file", "git_commit", "run_linter",
	},
	dispatch.WorkerCrucible: {
		"read_artifact", "read_file", "write_test_file", "run_tests", "run_linter", "git_commit",
	},
	dispatch.WorkerOperator: {
		"project_create", "project_list", "project_status",
		"project_pause", "project_resume",
		"approve_review", "reject_review", "answer_qa",
		"approve_skip", "deny_skip",
		"get_notifications", "search_history",
	},
	dispatch.WorkerSupervisor: {
		"dispatch_stage", "check_ready", "check_blocked",
		"create_review_gate", "recommend_skip",
		"update_stage_status", "file_reservation",
	},
	dispatch.WorkerGuard: {
		"write_file", "delete_file",
		"git_commit", "git_create_branch", "git_checkout", "git_merge",
		"beads_create", "beads_update", "beads_close",
	},
	dispatch.WorkerMonitor: {
		"check_inbox", "compile_status_report",
		"detect_stale", "notify_harmbe",
	},
	dispatch.WorkerScanner: {
		"scan_artifact", "scan_code", "scan_dependencies",
		"generate_security_report",
	},
	dispatch.WorkerInvestigator: {
		"read_file", "read_beads_issue", "read_agent_mail_thread",
		"attempt_fix", "escalate",
	},
	dispatch.WorkerRework: {
		"read_artifact", "read_review_feedback",
		"scribe_create_artifact", "scribe_update_artifact",
		"write_code_file", "run_tests",
	},
	dispatch.WorkerTroop: {
		"read_file", "read_artifact", "write_file",
		"scribe_create_artifact", "scribe_update_artifact",
		"beads_list_issues",
	},
}

// AllowedTools returns a copy of the tool list for an agent type.
func AllowedTools(agentType string) []string {
	return append([]string(nil), toolRegistry[agentType]...)
}

// CanUseTool reports whether an agent type is authorized for a tool.
func CanUseTool(agentType, toolName string) bool {
	for _, t := range toolRegistry[agentType] {
		if t == toolName {
			return true
		}
	}
	return false
}
