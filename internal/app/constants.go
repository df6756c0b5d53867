package app

const (
	Name           = "clawlink"
	SourceURL      = "https://github.com/skobkin/clawlink"
	ConfigFilename = "config.json"
	DBFilename     = "app.db"
	LogFilename    = "app.log"
	WriterCapacity = 256
)
