package probe

import (
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"bulkload/internal/dataset"
	"bulkload/internal/schema"
)

// Draft names the destination of a drafted job. Empty fields get
// placeholders an operator is expected to edit.
type Draft struct {
	Name     string
	Table    string
	Profiles string
	Profile  string
	// Mode is the table creation mode; it has no default in a job, so the
	// draft spells one out.
	Mode    string
	Journal string
}

type draftJob struct {
	Name    string        `yaml:"name"`
	Source  draftSource   `yaml:"source"`
	Target  draftTarget   `yaml:"target"`
	Load    draftLoad     `yaml:"load"`
	Journal *draftJournal `yaml:"journal,omitempty"`
}

type draftSource struct {
	Path      string            `yaml:"path"`
	Format    string            `yaml:"format,omitempty"`
	Delimiter string            `yaml:"delimiter,omitempty"`
	Encoding  string            `yaml:"encoding,omitempty"`
	Types     map[string]string `yaml:"types,omitempty"`
}

type draftTarget struct {
	Profiles   string   `yaml:"profiles"`
	Profile    string   `yaml:"profile"`
	Table      string   `yaml:"table"`
	Mode       string   `yaml:"mode"`
	PrimaryKey []string `yaml:"primary_key,omitempty"`
}

type draftLoad struct {
	Mode      string `yaml:"mode"`
	BatchSize int    `yaml:"batch_size"`
	Workers   int    `yaml:"workers"`
}

type draftJournal struct {
	Path string `yaml:"path"`
}

// DraftJob renders a job file for the probed source. The first key
// candidate becomes the primary key.
func DraftJob(opt Options, res Result, d Draft) ([]byte, error) {
	table := d.Table
	if table == "" {
		table = tableName(opt.Source.Path)
	}
	name := d.Name
	if name == "" {
		name = table
	}
	mode := d.Mode
	if mode == "" {
		mode = "create_if_absent"
	}
	profiles := d.Profiles
	if profiles == "" {
		profiles = "profiles.yaml"
	}
	profile := d.Profile
	if profile == "" {
		profile = "default"
	}

	j := draftJob{
		Name: name,
		Source: draftSource{
			Path:   opt.Source.Path,
			Format: opt.Source.Format,
			Types:  declaredTypes(res.Mapping),
		},
		Target: draftTarget{
			Profiles: profiles,
			Profile:  profile,
			Table:    table,
			Mode:     mode,
		},
		Load: draftLoad{Mode: "concurrent", BatchSize: 1000, Workers: 4},
	}
	if opt.Source.Delimiter != "" && opt.Source.Delimiter != "," {
		j.Source.Delimiter = opt.Source.Delimiter
	}
	if enc := strings.ToLower(opt.Source.Encoding); enc != "" && enc != "utf-8" && enc != "utf8" {
		j.Source.Encoding = opt.Source.Encoding
	}
	if len(res.Keys) > 0 {
		j.Target.PrimaryKey = res.Keys[:1]
	}
	if d.Journal != "" {
		j.Journal = &draftJournal{Path: d.Journal}
	}
	return yaml.Marshal(j)
}

// declaredTypes pins the inferred tag of every typed column so the load does not
// re-infer a different one from a later file.
func declaredTypes(m schema.Mapping) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for _, c := range m {
		if c.Type == dataset.Unknown {
			continue
		}
		out[c.Name] = c.Type.String()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// tableName derives a table name from a path or URL's last element.
func tableName(p string) string {
	base := path.Base(filepath.ToSlash(p))
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSuffix(base, path.Ext(base))
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, base)
	name = strings.Trim(name, "_")
	if name == "" {
		return "dataset"
	}
	return name
}
