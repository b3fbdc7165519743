package version

import (
	"runtime/debug"
	"strings"
)

func init() {
	buildInfo = moduleBuildInfo
}

func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	var sb strings.Builder
	sb.WriteString(" mod\t" + info.Main.Path + "\t" + info.Main.Version + "\n")
	for _, dep := range info.Deps {
		sb.WriteString(" dep\t" + dep.Path + "\t" + dep.Version)
		if dep.Replace != nil {
			sb.WriteString("\t=> " + dep.Replace.Path + "\t" + dep.Replace.Version)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
