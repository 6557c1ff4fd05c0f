package app

const (
	Name           = "groundlink"
	SourceURL      = "https://git.skobk.in/skobkin/groundlink"
	ConfigFilename = "config.yaml"
	DBFilename     = "groundlink.db"
	LogFilename    = "groundlink.log"
	RecordingsDir  = "recordings"
	WriterCapacity = 512
)
