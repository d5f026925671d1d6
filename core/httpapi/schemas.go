package httpapi

// Request schemas are permissive on purpose: normalization coerces loose
// input, so validation only rejects payloads that cannot be normalized at
// all (wrong top-level shape, structurally invalid fields).

const generateOfferSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "context": {"type": ["object", "null"]},
    "customer": {},
    "company": {},
    "client": {},
    "category": {},
    "primaryGoal": {},
    "secondaryGoals": {},
    "situation": {},
    "scope": {},
    "detailDescription": {},
    "notes": {},
    "pt": {"type": ["number", "string", "null"]},
    "style": {},
    "language": {}
  }
}`

const feedbackSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["runId"],
  "properties": {
    "runId": {"type": "string", "minLength": 1},
    "rating": {"type": ["string", "number", "null"]},
    "comment": {"type": ["string", "null"]}
  }
}`
