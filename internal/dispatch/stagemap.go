package dispatch

// Worker type names. The supervisor and the engine runner registry use
// these as keys; the tool permission table is keyed the same way.
const (
	WorkerScout        = "Scout"
	WorkerSage         = "Sage"
	WorkerBard         = "Bard"
	WorkerPlanner      = "Planner"
	WorkerArchitect    = "Architect"
	WorkerSteward      = "Steward"
	WorkerForge        = "Forge"
	WorkerCrucible     = "Crucible"
	WorkerTroop        = "Troop"
	WorkerSupervisor   = "ProjectMinder"
	WorkerInvestigator = "CuriousGeorge"
	WorkerRework       = "Gibbon"
	WorkerMonitor      = "Groomer"
	WorkerScanner      = "Snake"
	WorkerGuard        = "Bonobo"
	WorkerOperator     = "Harmbe"
)

// Supported pipeline stage slugs.
const (
	StageWorkspaceDetection    = "workspace-detection"
	StageReverseEngineering    = "reverse-engineering"
	StageRequirementsAnalysis  = "requirements-analysis"
	StageUserStories           = "user-stories"
	StageWorkflowPlanning      = "workflow-planning"
	StageApplicationDesign     = "application-design"
	StageUnitsGeneration       = "units-generation"
	StageFunctionalDesign      = "functional-design"
	StageNFRRequirements       = "nfr-requirements"
	StageNFRDesign             = "nfr-design"
	StageInfrastructureDesign  = "infrastructure-design"
	StageCodeGeneration        = "code-generation"
	StageBuildAndTest          = "build-and-test"
)

// stageWorkers maps each supported stage to the worker that executes it.
var stageWorkers = map[string]string{
	StageWorkspaceDetection:   WorkerScout,
	StageReverseEngineering:   WorkerScout,
	StageRequirementsAnalysis: WorkerSage,
	StageUserStories:          WorkerBard,
	StageWorkflowPlanning:     WorkerPlanner,
	StageApplicationDesign:    WorkerArchitect,
	StageUnitsGeneration:      WorkerPlanner,
	StageFunctionalDesign:     WorkerSage,
	StageNFRRequirements:      WorkerSteward,
	StageNFRDesign:            WorkerSteward,
	StageInfrastructureDesign: WorkerArchitect,
	StageCodeGeneration:       WorkerForge,
	StageBuildAndTest:         WorkerCrucible,
}

// WorkerForStage resolves the worker type for a stage. The mapping is total:
// unknown stages resolve to the generic Troop worker so dispatch never
// aborts on an unrecognized stage.
func WorkerForStage(stageName string) string {
	if worker, ok := stageWorkers[stageName]; ok {
		return worker
	}
	return WorkerTroop
}

// SupportedStages returns the supported stage slugs in pipeline order.
func SupportedStages() []string {
	return []string{
		StageWorkspaceDetection,
		StageReverseEngineering,
		StageRequirementsAnalysis,
		StageUserStories,
		StageWorkflowPlanning,
		StageApplicationDesign,
		StageUnitsGeneration,
		StageFunctionalDesign,
		StageNFRRequirements,
		StageNFRDesign,
		StageInfrastructureDesign,
		StageCodeGeneration,
		StageBuildAndTest,
	}
}
