// Package archive implements interfaces.Archiver for zip based app packages.
package archive
