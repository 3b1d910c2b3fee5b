package logger

// Component name constants for standardized logging
const (
	// Core components
	ComponentCore        = "Core"
	ComponentCoordinator = "Coordinator"

	// Scheduling components
	ComponentScheduler = "Scheduler"
	ComponentPipeline  = "Pipeline"

	// Worker components
	ComponentWorkerSupervisor = "WorkerSupervisor"
	ComponentLogStream        = "LogStream"

	// Persistence
	ComponentStateStore = "StateStore"
	ComponentHistory    = "RunHistory"

	// Boundary adapters
	ComponentBacklog   = "Backlog"
	ComponentCardStore = "CardStore"

	// Configuration
	ComponentConfigManager = "ConfigManager"
	ComponentFilesystem    = "Filesystem"
)
