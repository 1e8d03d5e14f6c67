// Package domain models the Japan Meteorological Agency (JMA) public forecast
// feed and its flattened relational form.
//
// # Data Source
//
// Two documents are published under https://www.jma.go.jp/bosai/:
//
//	common/const/area.json               area hierarchy (static)
//	forecast/data/forecast/<code>.json   forecast for one office-level area
//
// # Area Hierarchy
//
// The area document nests nation > region center > office > finer sub-areas.
// Ingestion only uses two levels:
//
//	"centers": {"010300": {"name": "関東甲信地方", "children": ["080000", "090000", ...]}}
//	"offices": {"080000": {"name": "茨城県", "parent": "010300", ...}}
//
// Center children are the leaf area codes that are fetched. Children are
// enumerated in document order, center by center, and a code listed under two
// centers is ingested twice. Offices missing from "offices" are named
// [UnknownAreaName].
//
// # Forecast Documents
//
// A forecast document is a JSON array of one to three reports (typically the
// short-term forecast and the weekly forecast):
//
//	[{"publishingOffice": "気象庁", "reportDatetime": "2024-07-01T11:00:00+09:00",
//	  "timeSeries": [{"timeDefines": [...], "areas": [{"area": {"name", "code"},
//	                  "weatherCodes": [...], "weathers": [...], "pops": [...], ...}]}]}]
//
// Each time-series block has its own cadence. Optional arrays inside an area
// entry are positionally aligned with the block's timeDefines but may be
// shorter; they are never null-padded. Pops and temps arrive as strings ("30")
// and occasionally as empty strings for periods that have passed.
//
// # Normalization
//
// Per report, the block with the most timeDefines (first wins on ties) is the
// only one kept. See [Normalize] and [SeriesMode] for the row shapes produced.
package domain
