package sanitize

import (
	"html"
	"regexp"
	"strings"

	"mvpforge/internal/domain"
)

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

type theme struct {
	Name    string
	Tagline string
	Primary string
	Accent  string
	LogoURL string
}

func themeFrom(name string, b domain.Branding) theme {
	t := theme{Name: b.Name, Tagline: b.Tagline, Primary: "#2563eb", Accent: "#f59e0b", LogoURL: b.LogoURL}
	if t.Name == "" {
		t.Name = name
	}
	if t.Name == "" {
		t.Name = "My App"
	}
	if t.Tagline == "" {
		t.Tagline = "Built and deployed automatically."
	}
	var colors []string
	for _, c := range b.Palette {
		if c = strings.TrimSpace(c); hexColor.MatchString(c) {
			colors = append(colors, c)
		}
	}
	if len(colors) > 0 {
		t.Primary = colors[0]
	}
	if len(colors) > 1 {
		t.Accent = colors[1]
	}
	return t
}

func defaultIndex(t theme) string {
	var logo string
	if t.LogoURL != "" && (strings.HasPrefix(t.LogoURL, "https://") || strings.HasPrefix(t.LogoURL, "/")) {
		logo = "\n      <img class=\"logo\" src=\"" + html.EscapeString(t.LogoURL) + "\" alt=\"\">"
	}
	name := html.EscapeString(t.Name)
	return `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>` + name + `</title>
    <link rel="stylesheet" href="/styles.css">
  </head>
  <body>
    <header class="hero">` + logo + `
      <h1>` + name + `</h1>
      <p class="tagline">` + html.EscapeString(t.Tagline) + `</p>
    </header>
    <main id="app"></main>
    <script src="/app.js"></script>
  </body>
</html>
`
}

func defaultStyles(t theme) string {
	return `:root {
  --primary: ` + t.Primary + `;
  --accent: ` + t.Accent + `;
}

body {
  margin: 0;
  font-family: system-ui, sans-serif;
  color: #111827;
  background: #f9fafb;
}

.hero {
  padding: 4rem 1.5rem;
  text-align: center;
  color: #ffffff;
  background: var(--primary);
}

.hero .logo {
  max-height: 64px;
}

.tagline {
  color: var(--accent);
}

main {
  max-width: 960px;
  margin: 0 auto;
  padding: 2rem 1.5rem;
}
`
}

const defaultScript = `document.addEventListener("DOMContentLoaded", () => {
  const app = document.getElementById("app");
  if (!app) {
    return;
  }
  fetch("/api/health")
    .then((res) => res.json())
    .then((data) => {
      app.dataset.status = data.ok ? "ok" : "degraded";
    })
    .catch(() => {
      app.dataset.status = "offline";
    });
});
`

// DefaultHandler serves static assets from the ASSETS namespace.
const DefaultHandler = `export interface Env {
  ASSETS: KVNamespace;
}

const CONTENT_TYPES: Record<string, string> = {
  html: "text/html; charset=utf-8",
  css: "text/css; charset=utf-8",
  js: "application/javascript; charset=utf-8",
  json: "application/json; charset=utf-8",
  svg: "image/svg+xml",
  png: "image/png",
  jpg: "image/jpeg",
  jpeg: "image/jpeg",
  gif: "image/gif",
  webp: "image/webp",
  ico: "image/x-icon",
  txt: "text/plain; charset=utf-8",
};

function contentType(path: string): string {
  const dot = path.lastIndexOf(".");
  const ext = dot === -1 ? "" : path.slice(dot + 1).toLowerCase();
  return CONTENT_TYPES[ext] ?? "text/plain; charset=utf-8";
}

export default {
  async fetch(request: Request, env: Env): Promise<Response> {
    const url = new URL(request.url);
    if (url.pathname === "/api/health") {
      return new Response(JSON.stringify({ ok: true }), {
        headers: { "content-type": "application/json; charset=utf-8" },
      });
    }
    let key = url.pathname.replace(/^\/+/, "");
    if (key === "" || key.endsWith("/")) {
      key += "index.html";
    }
    const body = await env.ASSETS.get(key, "arrayBuffer");
    if (body === null) {
      return new Response("Not found", {
        status: 404,
        headers: { "content-type": "text/plain; charset=utf-8" },
      });
    }
    return new Response(body, { headers: { "content-type": contentType(key) } });
  },
};
`

// DefaultWorkflow deploys the worker on every push to main.
const DefaultWorkflow = `name: Deploy

on:
  push:
    branches:
      - main

jobs:
  deploy:
    runs-on: ubuntu-latest
    name: Deploy
    steps:
      - uses: actions/checkout@v4
      - name: Deploy to Cloudflare Workers
        uses: cloudflare/wrangler-action@v3
        with:
          apiToken: ${{ secrets.CLOUDFLARE_API_TOKEN }}
`
