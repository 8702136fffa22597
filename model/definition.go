package model

// DefinitionFile is the top-level structure of a definition YAML file. A file
// may contribute production templates, social templates, or both.
type DefinitionFile struct {
	ProductionTemplates []ProductionTemplate `yaml:"production_templates"`
	SocialTemplates     []Template           `yaml:"social_templates"`

	// Checksum is the SHA-256 of the file contents, set by the loader.
	Checksum string `yaml:"-"`
	// SourceFile is the path the definition was loaded from.
	SourceFile string `yaml:"-"`
}
